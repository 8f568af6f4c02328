package gateway

import (
	"net/http"
)

type thresholdBody struct {
	Threshold *float64 `json:"threshold"`
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

type keywordBody struct {
	Keyword string `json:"keyword"`
}

type queryBody struct {
	Query string `json:"query"`
}

func registerKeywordRoutes(s *Server, deps HandlerDeps) {
	kw := deps.Keywords

	s.HandleAuth("GET /api/keywords", func(w http.ResponseWriter, r *http.Request) {
		cfgs, err := kw.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": cfgs})
	})

	s.HandleAuth("GET /api/keywords/{agent}", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := kw.Get(r.Context(), r.PathValue("agent"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("DELETE /api/keywords/{agent}", func(w http.ResponseWriter, r *http.Request) {
		if err := kw.Delete(r.Context(), r.PathValue("agent")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	s.HandleAuth("PUT /api/keywords/{agent}/threshold", func(w http.ResponseWriter, r *http.Request) {
		var body thresholdBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.Threshold == nil {
			writeError(w, missingField("threshold"))
			return
		}
		cfg, err := kw.UpdateThreshold(r.Context(), r.PathValue("agent"), *body.Threshold)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("PUT /api/keywords/{agent}/enabled", func(w http.ResponseWriter, r *http.Request) {
		var body enabledBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.Enabled == nil {
			writeError(w, missingField("enabled"))
			return
		}
		cfg, err := kw.SetAgentEnabled(r.Context(), r.PathValue("agent"), *body.Enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("POST /api/keywords/{agent}/capabilities/{capability}/keywords", func(w http.ResponseWriter, r *http.Request) {
		var body keywordBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		cfg, err := kw.AddKeyword(r.Context(), r.PathValue("agent"), r.PathValue("capability"), body.Keyword)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("DELETE /api/keywords/{agent}/capabilities/{capability}/keywords/{keyword}", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := kw.RemoveKeyword(r.Context(), r.PathValue("agent"), r.PathValue("capability"), r.PathValue("keyword"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("PUT /api/keywords/{agent}/capabilities/{capability}/enabled", func(w http.ResponseWriter, r *http.Request) {
		var body enabledBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.Enabled == nil {
			writeError(w, missingField("enabled"))
			return
		}
		cfg, err := kw.SetCapabilityEnabled(r.Context(), r.PathValue("agent"), r.PathValue("capability"), *body.Enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})

	s.HandleAuth("POST /api/keywords/{agent}/test", func(w http.ResponseWriter, r *http.Request) {
		var body queryBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		act, err := kw.TestActivation(r.Context(), r.PathValue("agent"), body.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, act)
	})
}
