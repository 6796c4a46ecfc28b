package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/spotsave/spotsave/internal/aws/cost"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
	"github.com/spotsave/spotsave/internal/export"
	"github.com/spotsave/spotsave/internal/policy"
	"github.com/spotsave/spotsave/internal/retry"
	"github.com/spotsave/spotsave/internal/store"
	"github.com/spotsave/spotsave/internal/validate"
)

// expiryBufferMinutes treats credentials within this window of expiry as
// already expired, so a request never starts with credentials that die
// mid-flight.
const expiryBufferMinutes = 5

type assumeRoleRequest struct {
	RoleArn    string `json:"roleArn"`
	ExternalID string `json:"externalId"`
}

func (s *Server) handleAssumeRole(w http.ResponseWriter, r *http.Request) {
	var req assumeRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.RoleArn = strings.TrimSpace(req.RoleArn)
	if req.RoleArn == "" {
		writeError(w, http.StatusBadRequest, "Role ARN is required")
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "External ID is required")
		return
	}

	externalID := validate.SanitizeExternalID(req.ExternalID)
	if !validate.ExternalID(externalID) {
		writeError(w, http.StatusBadRequest, "Invalid external ID format. Must be alphanumeric with hyphens/underscores, 2-1224 characters.")
		return
	}

	creds, err := retry.DoValue(r.Context(), func() (stsclient.Credentials, error) {
		return s.assumer.AssumeRole(r.Context(), stsclient.AssumeRoleParams{
			RoleArn:         req.RoleArn,
			ExternalID:      externalID,
			DurationSeconds: int32(s.credentialTTL.Seconds()),
		})
	}, s.retryOpts)
	if err != nil {
		s.log.WithError(err).WithField("roleArn", req.RoleArn).Warn("role assumption failed")
		writeError(w, statusForAssumeError(err), err.Error())
		return
	}

	accountID, ok := validate.AccountIDFromArn(req.RoleArn)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role ARN format")
		return
	}

	binding := store.RoleBinding{
		RoleArn:    req.RoleArn,
		AccountID:  accountID,
		ExternalID: externalID,
	}
	if err := s.manager.Connect(userID(r.Context()), binding, creds); err != nil {
		s.log.WithError(err).Error("persisting role binding")
		writeError(w, http.StatusInternalServerError, "failed to save connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"message":     "Successfully assumed role",
	})
}

type costRequest struct {
	Credentials *stsclient.Credentials `json:"credentials,omitempty"`
	StartDate   string                 `json:"startDate,omitempty"`
	EndDate     string                 `json:"endDate,omitempty"`
}

// resolveCredentials picks the request-supplied credentials if present,
// otherwise the connection's stored ones, and rejects expired ones.
func (s *Server) resolveCredentials(w http.ResponseWriter, r *http.Request, supplied *stsclient.Credentials) (stsclient.Credentials, bool) {
	var creds stsclient.Credentials
	if supplied != nil {
		creds = *supplied
	} else {
		var ok bool
		creds, ok = s.manager.Credentials(userID(r.Context()))
		if !ok {
			writeError(w, http.StatusUnauthorized, "no active AWS connection")
			return stsclient.Credentials{}, false
		}
	}

	if stsclient.AreCredentialsExpired(creds, expiryBufferMinutes) {
		writeError(w, http.StatusUnauthorized, "credentials expired, reconnect your AWS account")
		return stsclient.Credentials{}, false
	}
	return creds, true
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds, ok := s.resolveCredentials(w, r, req.Credentials)
	if !ok {
		return
	}

	summary, err := s.newCostClient(creds).GetCostAndUsage(r.Context(), req.StartDate, req.EndDate)
	if err != nil {
		s.log.WithError(err).Error("fetching costs")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds, ok := s.resolveCredentials(w, r, req.Credentials)
	if !ok {
		return
	}

	summary, err := s.newCostClient(creds).GetCostForecast(r.Context(), req.StartDate, req.EndDate)
	if err != nil {
		s.log.WithError(err).Error("fetching forecast")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds, ok := s.resolveCredentials(w, r, req.Credentials)
	if !ok {
		return
	}

	summary, err := s.fetchRecommendations(r, creds)
	if err != nil {
		s.log.WithError(err).Error("fetching recommendations")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// fetchRecommendations merges Cost Explorer recommendations with the idle
// EC2 scan. The scan is additive and must not break the response when it
// fails.
func (s *Server) fetchRecommendations(r *http.Request, creds stsclient.Credentials) (*cost.RecommendationSummary, error) {
	summary, err := s.newCostClient(creds).GetRightsizingRecommendations(r.Context())
	if err != nil {
		return nil, err
	}

	idle, err := s.newIdleScanner(creds).IdleResourceRecommendations(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("idle resource scan unavailable, continuing without it")
	} else {
		summary.Recommendations = append(summary.Recommendations, idle...)
		for _, rec := range idle {
			summary.TotalPotentialSavings += rec.PotentialSavings
		}
	}

	return summary, nil
}

// handleRefresh runs the full dashboard load server-side: costs, forecast,
// and recommendations fetched concurrently, cached only when all three
// succeed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.resolveCredentials(w, r, nil)
	if !ok {
		return
	}

	var (
		wg        sync.WaitGroup
		summaries store.Summaries
		costErr   error
		fcErr     error
		recErr    error
	)
	client := s.newCostClient(creds)

	wg.Add(3)
	go func() {
		defer wg.Done()
		summaries.Cost, costErr = client.GetCostAndUsage(r.Context(), "", "")
	}()
	go func() {
		defer wg.Done()
		summaries.Forecast, fcErr = client.GetCostForecast(r.Context(), "", "")
	}()
	go func() {
		defer wg.Done()
		summaries.Recommendations, recErr = s.fetchRecommendations(r, creds)
	}()
	wg.Wait()

	for _, err := range []error{costErr, fcErr, recErr} {
		if err != nil {
			s.log.WithError(err).Error("dashboard refresh failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.manager.SetSummaries(userID(r.Context()), summaries)
	cached, _ := s.manager.Summaries(userID(r.Context()))
	writeJSON(w, http.StatusOK, cached)
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	binding, err := s.manager.Binding(userID(r.Context()))
	if err != nil {
		s.log.WithError(err).Error("loading role binding")
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if binding == nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}

	_, hasCreds := s.manager.Credentials(userID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": hasCreds,
		"accountId": binding.AccountID,
		"roleArn":   binding.RoleArn,
	})
}

// handleConnectionRefresh re-assumes the stored role on demand, bringing a
// restart-restored binding back to Connected without the full connect flow.
func (s *Server) handleConnectionRefresh(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())

	// loading the binding restores the connection shell after a restart
	binding, err := s.manager.Binding(uid)
	if err != nil {
		s.log.WithError(err).Error("loading role binding")
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if binding == nil {
		writeError(w, http.StatusNotFound, "no AWS connection to refresh")
		return
	}

	if err := s.manager.Refresh(r.Context(), uid); err != nil {
		s.log.WithError(err).WithField("roleArn", binding.RoleArn).Warn("manual credential refresh failed")
		writeError(w, statusForAssumeError(err), err.Error())
		return
	}

	creds, ok := s.manager.Credentials(uid)
	if !ok {
		writeError(w, http.StatusConflict, "refresh already in progress")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"message":     "Credentials refreshed",
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(userID(r.Context())); err != nil {
		s.log.WithError(err).Error("disconnecting")
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "disconnected"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	summaries, ok := s.manager.Summaries(userID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "no dashboard data to export, refresh first")
		return
	}

	csv := export.Build(summaries.Cost, summaries.Recommendations)
	filename := export.Filename(s.now().UTC().Format("2006-01-02"))

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(csv))
}

func (s *Server) handleTrustPolicy(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if !validate.AccountID(accountID) {
		writeError(w, http.StatusBadRequest, "accountId must be a 12-digit AWS account ID")
		return
	}
	externalID := validate.SanitizeExternalID(r.URL.Query().Get("externalId"))
	if !validate.ExternalID(externalID) {
		writeError(w, http.StatusBadRequest, "Invalid external ID format. Must be alphanumeric with hyphens/underscores, 2-1224 characters.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(policy.TrustPolicy(accountID, externalID)))
}

func (s *Server) handlePermissionsPolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(policy.PermissionsPolicy()))
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	externalID := validate.SanitizeExternalID(r.URL.Query().Get("externalId"))
	if externalID != "" && !validate.ExternalID(externalID) {
		writeError(w, http.StatusBadRequest, "Invalid external ID format. Must be alphanumeric with hyphens/underscores, 2-1224 characters.")
		return
	}
	accountID := r.URL.Query().Get("accountId")
	if accountID != "" && !validate.AccountID(accountID) {
		writeError(w, http.StatusBadRequest, "accountId must be a 12-digit AWS account ID")
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="spotsave-role.yaml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(policy.CloudFormationTemplate(externalID, accountID)))
}
