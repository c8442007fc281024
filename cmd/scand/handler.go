package main

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/scanmesh/pkg/dispatcher"
	"github.com/cuemby/scanmesh/pkg/log"
)

// scanSubmitRequest is the body of POST /scans.
type scanSubmitRequest struct {
	Name       string `json:"name"`
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
	ModuleList string `json:"module_list"`
	APIURL     string `json:"api_url"`
}

type scanSubmitResponse struct {
	ScanID  string `json:"scan_id"`
	Outcome string `json:"outcome"`
}

// scanSubmitHandler wraps the dispatcher's Submit in the minimal HTTP
// surface scand exposes for driving scans; the supervisor and worker
// fleet take it from there.
func scanSubmitHandler(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req scanSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		scanID, outcome, err := disp.Submit(r.Context(), dispatcher.Request{
			Name:       req.Name,
			Target:     req.Target,
			TargetType: req.TargetType,
			ModuleList: req.ModuleList,
			APIURL:     req.APIURL,
		})
		if err != nil {
			log.WithComponent("scand").Error().Err(err).Msg("scan submission failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(scanSubmitResponse{ScanID: scanID, Outcome: string(outcome)})
	}
}
