package store

import (
	"regexp"
	"strings"
)

// ModelNamePattern builds the anchored match pattern for a requested model
// name. A request without a version also matches the backend's ":latest"
// tag; a request with a version must match it exactly.
func ModelNamePattern(model string) string {
	name, version, hasVersion := strings.Cut(model, ":")

	if !hasVersion || version == "" {
		return "^" + regexp.QuoteMeta(name) + "(:latest)?$"
	}
	return "^" + regexp.QuoteMeta(name) + ":" + regexp.QuoteMeta(version) + "$"
}

// MatchesModel reports whether the server advertises the requested model in
// either its inventory or its running set.
func (s *Server) MatchesModel(model string) bool {
	re, err := regexp.Compile(ModelNamePattern(model))
	if err != nil {
		return false
	}

	for _, m := range s.Models {
		if re.MatchString(m.Name) || re.MatchString(m.Model) {
			return true
		}
	}
	for _, m := range s.RunningModels {
		if re.MatchString(m.Model) {
			return true
		}
	}
	return false
}

// ResolveModel maps the requested name to the exact inventory name: the exact
// match when present, otherwise the first inventory entry the request is a
// prefix of. Clients that omit ":version" are routed this way.
func (s *Server) ResolveModel(model string) string {
	for _, m := range s.Models {
		if m.Model == model || m.Name == model {
			return model
		}
	}
	for _, m := range s.Models {
		if strings.HasPrefix(m.Model, model) {
			return m.Model
		}
		if strings.HasPrefix(m.Name, model) {
			return m.Name
		}
	}
	return model
}
