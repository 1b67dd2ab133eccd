package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"kiln/internal/api"
	"kiln/internal/locks"
	"kiln/internal/logging"
	"kiln/internal/request"
)

// routes builds the HTTP surface. Endpoints marshal, dispatch, and
// stream; every state mutation happens inside the dispatcher and its
// delegates.
func (d *Daemon) routes(port int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/build", d.handleSubmitStreaming(api.KindBuild, port))
	mux.HandleFunc("/api/deploy", d.handleSubmitStreaming(api.KindDeploy, port))
	mux.HandleFunc("/api/install-deps", d.handleInstallDeps)
	mux.HandleFunc("/api/monitor", d.handleMonitorSubmit(port))
	mux.HandleFunc("/api/devices/list", d.handleDevicesList)
	mux.HandleFunc("/api/devices/", d.handleDeviceLease)
	mux.HandleFunc("/api/locks/status", d.handleLocksStatus)
	mux.HandleFunc("/api/daemon/status", d.handleDaemonStatus)
	mux.HandleFunc("/api/daemon/shutdown", d.handleDaemonShutdown)
	mux.HandleFunc("/api/requests/", d.handleRequest)
	mux.HandleFunc("/api/stream/", d.handleStatusStream)
	mux.HandleFunc("/api/monitor/ws", d.handleMonitorWS)
	return mux
}

func (d *Daemon) handleSubmitStreaming(kind api.Kind, port int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		req, ok := d.decodeSubmit(w, r, kind)
		if !ok {
			return
		}
		d.dispatcher.Submit(req)
		d.writeJSON(w, http.StatusAccepted, api.SubmitResponse{
			RequestID: req.ID,
			Status:    req.Status(),
			StreamURL: fmt.Sprintf("ws://127.0.0.1:%d/api/stream/%s", port, req.ID),
		})
	}
}

// handleInstallDeps is synchronous: pre-installing packages is the one
// operation whose terminal status is the whole point of the call.
func (d *Daemon) handleInstallDeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req, ok := d.decodeSubmit(w, r, api.KindInstallDeps)
	if !ok {
		return
	}
	d.dispatcher.Submit(req)
	select {
	case <-req.Done():
	case <-r.Context().Done():
		// The client hung up; the install continues per its policy.
		d.writeError(w, http.StatusRequestTimeout, "client disconnected")
		return
	}
	req.MarkObserved()
	d.writeJSON(w, http.StatusOK, api.SubmitResponse{
		RequestID: req.ID,
		Status:    req.Status(),
		Error:     req.Err(),
	})
}

func (d *Daemon) handleMonitorSubmit(port int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var payload api.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			d.writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
			return
		}
		if strings.TrimSpace(payload.Port) == "" {
			d.writeError(w, http.StatusBadRequest, "port is required")
			return
		}
		d.writeJSON(w, http.StatusAccepted, api.SubmitResponse{
			Status:    api.StatusQueued,
			StreamURL: fmt.Sprintf("ws://127.0.0.1:%d/api/monitor/ws", port),
		})
	}
}

func (d *Daemon) decodeSubmit(w http.ResponseWriter, r *http.Request, kind api.Kind) (*request.Request, bool) {
	var payload api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		d.writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return nil, false
	}
	if payload.ClientPID <= 0 {
		d.writeError(w, http.StatusBadRequest, "client_pid is required")
		return nil, false
	}
	if payload.ProjectDir == "" {
		payload.ProjectDir = payload.ClientCWD
	}
	if payload.ProjectDir == "" {
		d.writeError(w, http.StatusBadRequest, "project_dir is required")
		return nil, false
	}
	req := request.New(kind, payload.ClientPID, payload.ClientCWD, request.Params{
		ProjectDir: payload.ProjectDir,
		Env:        payload.Env,
		Profile:    payload.Profile,
		Jobs:       payload.Jobs,
		Port:       payload.Port,
		Baud:       payload.Baud,
		Verbose:    payload.Verbose,
	})
	return req, true
}

func (d *Daemon) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ports := d.dispatcher.Devices().Ports()
	devices := make([]api.DeviceInfo, len(ports))
	for i, p := range ports {
		devices[i] = api.DeviceInfo{Name: p.Name, Device: p.Device, Description: p.Description}
	}
	d.writeJSON(w, http.StatusOK, api.DevicesResponse{Devices: devices})
}

// handleDeviceLease covers POST /api/devices/{id}/lease.
func (d *Daemon) handleDeviceLease(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "lease" || parts[0] == "" {
		d.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload api.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		d.writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	policy := locks.PolicyFail
	if payload.Mode == string(api.KindDeploy) || payload.Mode == "preempt" {
		policy = locks.PolicyPreempt
	}
	leaseID, err := d.dispatcher.Locks().Acquire("device:"+parts[0], payload.ClientPID, policy)
	if err != nil {
		if wb, ok := err.(*locks.WouldBlockError); ok {
			d.writeJSON(w, http.StatusConflict, api.LeaseResponse{HolderPID: wb.HolderPID, Error: wb.Error()})
			return
		}
		d.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d.writeJSON(w, http.StatusOK, api.LeaseResponse{LeaseID: leaseID})
}

func (d *Daemon) handleLocksStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	infos := d.dispatcher.Locks().Status()
	out := make([]api.LockInfo, len(infos))
	for i, info := range infos {
		out[i] = api.LockInfo{
			Name:       info.Name,
			OwnerPID:   info.OwnerPID,
			LeaseID:    info.LeaseID,
			AcquiredAt: info.AcquiredAt,
			AgeSeconds: info.Age.Seconds(),
		}
	}
	d.writeJSON(w, http.StatusOK, api.LocksResponse{Locks: out})
}

func (d *Daemon) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:   d.running.Load(),
		PID:       os.Getpid(),
		Version:   Version,
		DevMode:   d.cfg.DevMode,
		StartedAt: d.startedAt,
		Active:    d.dispatcher.ActiveRequests(),
		HeldLocks: d.dispatcher.Locks().HeldCount(),
	})
}

func (d *Daemon) handleDaemonShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d.logger.Info("shutdown requested over HTTP")
	d.writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	d.requestShutdown()
}

// handleRequest covers GET /api/requests/{id} and
// POST /api/requests/{id}/cancel.
func (d *Daemon) handleRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	if cancelID, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := d.dispatcher.Cancels().Cancel(cancelID); err != nil {
			d.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		d.writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_delivered"})
		return
	}
	if r.Method != http.MethodGet {
		d.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req, ok := d.dispatcher.Registry().Get(rest)
	if !ok {
		d.writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	record := req.StatusRecord()
	switch record.Status {
	case api.StatusSucceeded, api.StatusFailed, api.StatusCancelled:
		req.MarkObserved()
	}
	d.writeJSON(w, http.StatusOK, record)
}

func (d *Daemon) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		d.logger.Warn("response encode failed", logging.Error(err))
	}
}

func (d *Daemon) writeError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, api.ErrorResponse{Error: message})
}
