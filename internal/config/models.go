package config

// ModelsConfig names the model each workload role runs on and the service
// that hosts them. Roles may share a model; provisioning collapses shared
// models to a single fetch.
type ModelsConfig struct {
	Service   string `mapstructure:"service"`
	Chat      string `mapstructure:"chat"`
	Vision    string `mapstructure:"vision"`
	Documents string `mapstructure:"documents"`
}

// ModelRequirement pairs a workload role with the model it needs.
type ModelRequirement struct {
	Role  string
	Model string
}

// ModelDemand is one distinct model together with every role that wants it.
type ModelDemand struct {
	Model string
	Roles []string
}

// Requirements lists the configured (role, model) pairs in a stable order.
// Roles without a model are skipped.
func (m ModelsConfig) Requirements() []ModelRequirement {
	var reqs []ModelRequirement
	for _, r := range []ModelRequirement{
		{Role: "chat", Model: m.Chat},
		{Role: "vision", Model: m.Vision},
		{Role: "documents", Model: m.Documents},
	} {
		if r.Model != "" {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// DistinctModels collapses requirements to one demand per distinct model,
// preserving first-seen order and collecting the roles behind each model.
func DistinctModels(reqs []ModelRequirement) []ModelDemand {
	index := make(map[string]int)
	var demands []ModelDemand

	for _, req := range reqs {
		if i, seen := index[req.Model]; seen {
			demands[i].Roles = append(demands[i].Roles, req.Role)
			continue
		}
		index[req.Model] = len(demands)
		demands = append(demands, ModelDemand{
			Model: req.Model,
			Roles: []string{req.Role},
		})
	}
	return demands
}
