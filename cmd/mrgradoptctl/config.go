package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mrgradopt/pkg/mrgradopt"
)

func loadOptimizeRequestFromConfig(path string) (mrgradopt.OptimizeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mrgradopt.OptimizeRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return mrgradopt.OptimizeRequest{}, err
	}

	var req mrgradopt.OptimizeRequest
	req.Scene, err = sceneFromConfig(raw)
	if err != nil {
		return mrgradopt.OptimizeRequest{}, err
	}
	if v, ok := asString(raw["experiment_id"]); ok {
		req.ExperimentID = v
	}
	if v, ok := asString(raw["optimizer"]); ok {
		req.Optimizer = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if rates, ok := raw["tensor_rates"].(map[string]any); ok {
		req.TensorRates = make(map[string]float64, len(rates))
		for name, value := range rates {
			v, ok := asFloat64(value)
			if !ok {
				return mrgradopt.OptimizeRequest{}, fmt.Errorf("tensor_rates.%s must be a number", name)
			}
			req.TensorRates[name] = v
		}
	}
	if v, ok := asFloat64(raw["reco_rate"]); ok {
		req.RecoRate = v
	}
	if v, ok := asString(raw["opt_mode"]); ok {
		req.OptMode = v
	}
	if v, ok := asString(raw["reconstructor"]); ok {
		req.Reconstructor = v
	}
	if v, ok := asStrings(raw["trainable"]); ok {
		req.Trainable = v
	}
	if v, ok := asInt(raw["iterations"]); ok {
		req.Iterations = v
	}
	if v, ok := asInt(raw["restarts"]); ok {
		req.Restarts = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asFloat64(raw["weight_decay"]); ok {
		req.WeightDecay = v
	}
	if v, ok := asBool(raw["amsgrad"]); ok {
		req.AMSGrad = v
	}
	if v, ok := asFloat64(raw["initial_perturbation"]); ok {
		req.InitialPerturbation = v
	}
	if v, ok := asString(raw["candidate_selection"]); ok {
		req.CandidateSelection = v
	}
	if v, ok := asFloat64(raw["annealing_factor"]); ok {
		req.AnnealingFactor = v
	}
	if v, ok := asBool(raw["supervised"]); ok {
		req.Supervised = v
	}
	if v, ok := asInt(raw["supervised_every"]); ok {
		req.SupervisedEvery = v
	}
	if v, ok := asBool(raw["record_history"]); ok {
		req.RecordHistory = v
	}
	if v, ok := asInt(raw["history_capacity"]); ok {
		req.HistoryCapacity = v
	}
	if v, ok := asBool(raw["dump_iterations"]); ok {
		req.DumpIterations = v
	}
	if v, ok := asBool(raw["query_scanner"]); ok {
		req.QueryScanner = v
	}
	if v, ok := asInt(raw["query_every"]); ok {
		req.QueryEvery = v
	}
	if v, ok := asBool(raw["resume_checkpoint"]); ok {
		req.ResumeCheckpoint = v
	}
	if v, ok := asBool(raw["cluster_job"]); ok {
		req.ClusterJob = v
	}
	return req, nil
}

// sceneFromConfig reads the scene keys, either at the top level or under
// a "scanner" object.
func sceneFromConfig(raw map[string]any) (mrgradopt.Scene, error) {
	if nested, ok := raw["scanner"].(map[string]any); ok {
		raw = nested
	}
	var sc mrgradopt.Scene
	if v, ok := asString(raw["family"]); ok {
		sc.Family = v
	}
	if v, ok := raw["size"]; ok {
		dims, ok := v.([]any)
		if !ok || len(dims) != 2 {
			return mrgradopt.Scene{}, fmt.Errorf("size must be a [nx, ny] pair")
		}
		for i, d := range dims {
			n, ok := asInt(d)
			if !ok {
				return mrgradopt.Scene{}, fmt.Errorf("size[%d] must be an integer", i)
			}
			sc.Size[i] = n
		}
	}
	if v, ok := asString(raw["phantom"]); ok {
		sc.Phantom = v
	}
	if v, ok := asInt(raw["nspins"]); ok {
		sc.NSpins = v
	}
	if v, ok := asFloat64(raw["r2star"]); ok {
		sc.R2Star = v
	}
	if v, ok := asFloat64(raw["clip_fraction"]); ok {
		sc.ClipFraction = v
	}
	if v, ok := asInt(raw["ncoils"]); ok {
		sc.NCoils = v
	}
	if v, ok := asFloat64(raw["noise_std"]); ok {
		sc.NoiseStd = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		sc.Seed = v
	}
	if v, ok := asString(raw["carry"]); ok {
		sc.Carry = v
	}
	if v, ok := asString(raw["backend"]); ok {
		sc.Backend = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		sc.Workers = v
	}
	if v, ok := asFloat64(raw["flip_deg"]); ok {
		sc.FlipDeg = v
	}
	return sc, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return splitList(x), true
	default:
		return nil, false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func overrideSceneFromFlags(sc *mrgradopt.Scene, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "family":
			sc.Family = v.(string)
		case "nx":
			sc.Size[0] = v.(int)
		case "ny":
			sc.Size[1] = v.(int)
		case "phantom":
			sc.Phantom = v.(string)
		case "nspins":
			sc.NSpins = v.(int)
		case "r2star":
			sc.R2Star = v.(float64)
		case "clip-fraction":
			sc.ClipFraction = v.(float64)
		case "ncoils":
			sc.NCoils = v.(int)
		case "noise-std":
			sc.NoiseStd = v.(float64)
		case "seed":
			sc.Seed = v.(int64)
		case "carry":
			sc.Carry = v.(string)
		case "backend":
			sc.Backend = v.(string)
		case "workers":
			sc.Workers = v.(int)
		case "flip-deg":
			sc.FlipDeg = v.(float64)
		}
	}
}

func overrideFromFlags(req *mrgradopt.OptimizeRequest, set map[string]bool, flagValue map[string]any) error {
	overrideSceneFromFlags(&req.Scene, set, flagValue)
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "experiment-id":
			req.ExperimentID = v.(string)
		case "optimizer":
			req.Optimizer = v.(string)
		case "lr":
			req.LearningRate = v.(float64)
		case "tensor-rates":
			rates, err := parseTensorRates(v.(string))
			if err != nil {
				return err
			}
			req.TensorRates = rates
		case "reco-lr":
			req.RecoRate = v.(float64)
		case "opt-mode":
			req.OptMode = v.(string)
		case "reco":
			req.Reconstructor = v.(string)
		case "trainable":
			req.Trainable = splitList(v.(string))
		case "iters":
			req.Iterations = v.(int)
		case "restarts":
			req.Restarts = v.(int)
		case "batch-size":
			req.BatchSize = v.(int)
		case "weight-decay":
			req.WeightDecay = v.(float64)
		case "amsgrad":
			req.AMSGrad = v.(bool)
		case "perturb":
			req.InitialPerturbation = v.(float64)
		case "candidate-selection":
			req.CandidateSelection = v.(string)
		case "annealing-factor":
			req.AnnealingFactor = v.(float64)
		case "supervised":
			req.Supervised = v.(bool)
		case "supervised-every":
			req.SupervisedEvery = v.(int)
		case "record-history":
			req.RecordHistory = v.(bool)
		case "history-capacity":
			req.HistoryCapacity = v.(int)
		case "dump-iterations":
			req.DumpIterations = v.(bool)
		case "query-scanner":
			req.QueryScanner = v.(bool)
		case "query-every":
			req.QueryEvery = v.(int)
		case "resume":
			req.ResumeCheckpoint = v.(bool)
		case "cluster-job":
			req.ClusterJob = v.(bool)
		}
	}
	return nil
}

// parseTensorRates reads "grad_moms=0.02,rf_event=0.01".
func parseTensorRates(s string) (map[string]float64, error) {
	items := splitList(s)
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("tensor rate %q must be name=rate", item)
		}
		var rate float64
		if _, err := fmt.Sscanf(value, "%g", &rate); err != nil {
			return nil, fmt.Errorf("tensor rate %q: %w", item, err)
		}
		out[strings.TrimSpace(name)] = rate
	}
	return out, nil
}

func loadOrDefaultOptimizeRequest(configPath string) (mrgradopt.OptimizeRequest, error) {
	if configPath == "" {
		return mrgradopt.OptimizeRequest{}, nil
	}
	req, err := loadOptimizeRequestFromConfig(configPath)
	if err != nil {
		return mrgradopt.OptimizeRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
