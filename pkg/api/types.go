package api

import "time"

// submitResponse is the body for POST /builds.
type submitResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	AccessToken string    `json:"access_token"`
}

// statusResponse is the body for GET /builds/{id}.
type statusResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Platform     string    `json:"platform"`
	WorkerID     string    `json:"worker_id,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type logsResponse struct {
	Logs []logEntry `json:"logs"`
}

type listBuildsResponse struct {
	Builds []statusResponse `json:"builds"`
	Total  int              `json:"total"`
}

type cancelResponse struct {
	Status string `json:"status"`
}

type retryResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AccessToken     string `json:"access_token"`
	OriginalBuildID string `json:"original_build_id"`
}

type registerWorkerRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type registerWorkerResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
}

type jobDescriptorResponse struct {
	ID           string    `json:"id"`
	Platform     string    `json:"platform"`
	SourceURL    string    `json:"source_url"`
	CertsURL     string    `json:"certs_url,omitempty"`
	OTP          string    `json:"otp"`
	OTPExpiresAt time.Time `json:"otp_expires_at"`
}

type pollResponse struct {
	Job         *jobDescriptorResponse `json:"job"`
	AccessToken string                 `json:"access_token,omitempty"`
}

type resultUploadResponse struct {
	Success bool `json:"success"`
}

type vmAuthenticateRequest struct {
	OTP string `json:"otp"`
}

type vmAuthenticateResponse struct {
	VMToken   string    `json:"vm_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type heartbeatRequest struct {
	Progress string `json:"progress"`
}

type heartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// telemetryRequest is the tagged-variant wire body for POST telemetry
// (Design Note 9: ad-hoc any-typed JSON becomes a tagged variant with
// Type discriminating Data's shape before business logic sees it).
type telemetryRequest struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type telemetryResponse struct {
	Status string `json:"status"`
}

// streamLogsRequest accepts either a single {level,message} entry or a
// batch {logs:[...]}.
type streamLogsRequest struct {
	Level   string       `json:"level"`
	Message string       `json:"message"`
	Logs    []logLineReq `json:"logs"`
}

type logLineReq struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type streamLogsResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count,omitempty"`
}

type publicStatsResponse struct {
	NodesOnline  int `json:"nodesOnline"`
	BuildsQueued int `json:"buildsQueued"`
	ActiveBuilds int `json:"activeBuilds"`
	BuildsToday  int `json:"buildsToday"`
	TotalBuilds  int `json:"totalBuilds"`
}

type queueStats struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

type healthResponse struct {
	Status string     `json:"status"`
	Queue  queueStats `json:"queue"`
}
