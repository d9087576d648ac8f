// Package proofapi exposes the explorer over HTTP: proof submission, bulk and
// single-proof download, block/team listings and cluster registration.
package proofapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethproofs/proofs-backend/internal/apikey"
	"github.com/ethproofs/proofs-backend/internal/cache"
	"github.com/ethproofs/proofs-backend/internal/explorer"
	"github.com/ethproofs/proofs-backend/internal/submission"
)

var ErrInvalidConfig = errors.New("proofapi: invalid config")

const maxSubmissionBytes = 64 << 20

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	RecentBlocksLimit int

	Now func() time.Time
}

// Submitter runs the proved-proof ingestion pipeline.
type Submitter interface {
	SubmitProved(ctx context.Context, team explorer.Team, req submission.ProvedRequest) (int64, error)
}

// Downloader resolves proof binaries for the download endpoints.
type Downloader interface {
	BlockArchive(ctx context.Context, blockNumber uint64) ([]byte, string, error)
	ProofBinary(ctx context.Context, proofID int64) ([]byte, string, error)
}

// ExplorerReader is the store subset behind the public read endpoints.
type ExplorerReader interface {
	ListRecentBlocks(ctx context.Context, limit int) ([]explorer.BlockWithProofs, error)
	GetBlockWithProofs(ctx context.Context, number uint64) (explorer.BlockWithProofs, error)
	ListTeams(ctx context.Context) ([]explorer.Team, error)
	CreateCluster(ctx context.Context, teamID string, nc explorer.NewCluster) (explorer.Cluster, error)
}

// TeamAuthenticator resolves the request credential to the submitting team.
type TeamAuthenticator interface {
	Authenticate(r *http.Request) (explorer.Team, error)
}

func NewHandler(
	cfg Config,
	auth TeamAuthenticator,
	submitter Submitter,
	downloads Downloader,
	reader ExplorerReader,
	regions *cache.Regions,
) (http.Handler, error) {
	if auth == nil {
		return nil, fmt.Errorf("%w: nil authenticator", ErrInvalidConfig)
	}
	if submitter == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if downloads == nil {
		return nil, fmt.Errorf("%w: nil downloader", ErrInvalidConfig)
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: nil explorer reader", ErrInvalidConfig)
	}
	if regions == nil {
		return nil, fmt.Errorf("%w: nil cache", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.RecentBlocksLimit <= 0 {
		cfg.RecentBlocksLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:       cfg,
		auth:      auth,
		submitter: submitter,
		downloads: downloads,
		reader:    reader,
		regions:   regions,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v0/proofs/proved", h.handleSubmitProved)
	mux.HandleFunc("GET /api/v0/proofs/download/all/{block}", h.handleDownloadAll)
	mux.HandleFunc("GET /api/v0/proofs/download/{proofId}", h.handleDownloadOne)
	mux.HandleFunc("GET /api/v0/blocks", h.handleBlocks)
	mux.HandleFunc("GET /api/v0/blocks/{block}", h.handleBlock)
	mux.HandleFunc("GET /api/v0/teams", h.handleTeams)
	mux.HandleFunc("POST /api/v0/clusters", h.handleCreateCluster)

	return instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes and scrapes are never throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
			return
		}

		mux.ServeHTTP(w, r)
	})), nil
}

type handler struct {
	cfg Config

	auth      TeamAuthenticator
	submitter Submitter
	downloads Downloader
	reader    ExplorerReader
	regions   *cache.Regions
	limiter   *ipRateLimiter
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleSubmitProved(w http.ResponseWriter, r *http.Request) {
	team, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := submission.ParseProved(body)
	if err != nil {
		writeError(w, err)
		return
	}

	proofID, err := h.submitter.SubmitProved(r.Context(), team, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proof_id": proofID})
}

func (h *handler) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	block, err := parseBlockNumber(r.PathValue("block"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_block_number"})
		return
	}

	payload, name, err := h.downloads.BlockArchive(r.Context(), block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAttachment(w, "application/zip", name, payload)
}

func (h *handler) handleDownloadOne(w http.ResponseWriter, r *http.Request) {
	proofID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("proofId")), 10, 64)
	if err != nil || proofID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_proof_id"})
		return
	}

	payload, name, err := h.downloads.ProofBinary(r.Context(), proofID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAttachment(w, "application/octet-stream", name, payload)
}

func (h *handler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	body, err := h.regions.Read(r.Context(), "blocks:recent",
		[]string{cache.RegionBlocks, cache.RegionProofs},
		func(ctx context.Context) ([]byte, error) {
			rows, err := h.reader.ListRecentBlocks(ctx, h.cfg.RecentBlocksLimit)
			if err != nil {
				return nil, err
			}
			out := make([]blockJSON, 0, len(rows))
			for _, row := range rows {
				out = append(out, toBlockJSON(row))
			}
			return marshalBody(out)
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBytes(w, http.StatusOK, body)
}

func (h *handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	block, err := parseBlockNumber(r.PathValue("block"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_block_number"})
		return
	}

	body, err := h.regions.Read(r.Context(), "blocks:"+strconv.FormatUint(block, 10),
		[]string{cache.RegionBlocks, cache.RegionProofs},
		func(ctx context.Context) ([]byte, error) {
			row, err := h.reader.GetBlockWithProofs(ctx, block)
			if err != nil {
				return nil, err
			}
			return marshalBody(toBlockJSON(row))
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBytes(w, http.StatusOK, body)
}

func (h *handler) handleTeams(w http.ResponseWriter, r *http.Request) {
	body, err := h.regions.Read(r.Context(), "teams:all",
		[]string{cache.RegionTeams},
		func(ctx context.Context) ([]byte, error) {
			teams, err := h.reader.ListTeams(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]teamJSON, 0, len(teams))
			for _, t := range teams {
				out = append(out, teamJSON{ID: t.ID, Name: t.Name, LogoURL: t.LogoURL})
			}
			return marshalBody(out)
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBytes(w, http.StatusOK, body)
}

type createClusterBody struct {
	Nickname      string `json:"nickname"`
	Description   string `json:"description"`
	Hardware      string `json:"hardware"`
	ProofType     string `json:"proof_type"`
	CycleType     string `json:"cycle_type"`
	InstanceType  string `json:"instance_type"`
	InstanceCount int    `json:"instance_count"`
}

func (h *handler) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	team, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, ok := decodeJSONBody[createClusterBody](w, r)
	if !ok {
		return
	}
	nc := explorer.NewCluster{
		Nickname:      strings.TrimSpace(body.Nickname),
		Description:   strings.TrimSpace(body.Description),
		Hardware:      strings.TrimSpace(body.Hardware),
		ProofType:     strings.TrimSpace(body.ProofType),
		CycleType:     strings.TrimSpace(body.CycleType),
		InstanceType:  strings.TrimSpace(body.InstanceType),
		InstanceCount: body.InstanceCount,
	}
	if err := nc.Validate(); err != nil {
		writeError(w, err)
		return
	}

	cluster, err := h.reader.CreateCluster(r.Context(), team.ID, nc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster_id": cluster.Index,
		"nickname":   cluster.Nickname,
	})
}

// writeError maps domain sentinels to HTTP statuses. Unrecognized errors are
// internal and never leak their message to the caller.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, submission.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: trimSentinel(err, "submission: invalid payload")})
	case errors.Is(err, explorer.ErrInvalidCluster):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: trimSentinel(err, "explorer: invalid cluster")})
	case errors.Is(err, apikey.ErrMissingToken), errors.Is(err, explorer.ErrUnknownToken):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, explorer.ErrClusterNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "cluster_not_found"})
	case errors.Is(err, explorer.ErrBlockNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "block_not_found"})
	case errors.Is(err, explorer.ErrNoProofs):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no_proofs_for_block"})
	case errors.Is(err, explorer.ErrProofNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "proof_not_found"})
	case errors.Is(err, submission.ErrBlockFetch):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "block_data_unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

// trimSentinel drops the package-prefixed sentinel text so callers see only
// the specific violation, e.g. "missing block_number".
func trimSentinel(err error, sentinel string) string {
	msg := err.Error()
	if detail, ok := strings.CutPrefix(msg, sentinel+": "); ok {
		return detail
	}
	return msg
}

type blockJSON struct {
	BlockNumber      uint64      `json:"block_number"`
	Hash             string      `json:"hash"`
	GasUsed          uint64      `json:"gas_used"`
	TransactionCount int         `json:"transaction_count"`
	Timestamp        string      `json:"timestamp"`
	Proofs           []proofJSON `json:"proofs"`
}

type proofJSON struct {
	ProofID        int64    `json:"proof_id"`
	BlockNumber    uint64   `json:"block_number"`
	ClusterID      string   `json:"cluster_id"`
	TeamID         string   `json:"team_id"`
	ProgramID      *int64   `json:"program_id"`
	ProofStatus    string   `json:"proof_status"`
	SizeBytes      int64    `json:"size_bytes"`
	ProvingCycles  *uint64  `json:"proving_cycles"`
	ProvingTimeMS  *int64   `json:"proving_time_ms"`
	ProvingCostUSD *float64 `json:"proving_cost"`
	ProvedAt       string   `json:"proved_timestamp"`
}

type teamJSON struct {
	ID      string `json:"id"`
	Name    string `json:"team_name"`
	LogoURL string `json:"logo_url"`
}

func toBlockJSON(row explorer.BlockWithProofs) blockJSON {
	proofs := make([]proofJSON, 0, len(row.Proofs))
	for _, p := range row.Proofs {
		proofs = append(proofs, proofJSON{
			ProofID:        p.ProofID,
			BlockNumber:    p.BlockNumber,
			ClusterID:      p.ClusterID,
			TeamID:         p.TeamID,
			ProgramID:      p.ProgramID,
			ProofStatus:    string(p.Status),
			SizeBytes:      p.SizeBytes,
			ProvingCycles:  p.Metrics.ProvingCycles,
			ProvingTimeMS:  p.Metrics.ProvingTimeMS,
			ProvingCostUSD: p.Metrics.ProvingCostUSD,
			ProvedAt:       p.ProvedAt.UTC().Format(time.RFC3339),
		})
	}
	return blockJSON{
		BlockNumber:      row.Number,
		Hash:             row.Hash.Hex(),
		GasUsed:          row.GasUsed,
		TransactionCount: row.TransactionCount,
		Timestamp:        row.Timestamp.UTC().Format(time.RFC3339),
		Proofs:           proofs,
	}
}

func parseBlockNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxSubmissionBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable body", submission.ErrInvalidPayload)
	}
	return body, nil
}

func marshalBody(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proofapi: marshal response: %w", err)
	}
	return append(body, '\n'), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeAttachment(w http.ResponseWriter, contentType, name string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json"})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
