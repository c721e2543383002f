package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"marketbroker/identity"
	"marketbroker/market"
)

// Handlers is the set of broker operations an inbound peer message can
// trigger. Implemented by *market.RequestorBroker plus the subset of
// *market.CommonBroker needed for Proposal callbacks.
type Handlers interface {
	OnProposalReceived(ctx context.Context, demandId market.SubscriptionId, prevId market.ProposalId, body market.ProposalBody, owner market.Role) (*market.Proposal, error)
	OnProposalRejected(ctx context.Context, demandId market.SubscriptionId, id market.ProposalId, reason *market.Reason) error
	OnAgreementApproved(ctx context.Context, agreementId market.AgreementId, caller identity.NodeId) error
	OnAgreementRejected(ctx context.Context, agreementId market.AgreementId, caller identity.NodeId, reason *market.Reason) error
	OnAgreementTerminated(ctx context.Context, id market.AgreementId, caller identity.NodeId, reason *market.Reason) error
}

// SecretStore resolves the shared secret registered for a caller NodeId
// string, used both to verify inbound signatures and to rate-limit per
// caller once authenticated.
type SecretStore interface {
	SecretFor(caller string) (string, bool)
}

// Server is the inbound half of PeerApi: a chi-routed HTTP handler, bound
// under the broker's configured public prefix, that authenticates,
// rate-limits and dispatches peer messages.
type Server struct {
	handlers Handlers
	secrets  SecretStore
	skew     time.Duration
	now      func() time.Time
	log      *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int

	publicPrefix string
	localPrefix  string
}

// NewServer constructs a Server dispatching authenticated requests to
// handlers.
func NewServer(handlers Handlers, secrets SecretStore, skew time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handlers: handlers,
		secrets:  secrets,
		skew:     skew,
		now:      time.Now,
		log:      logger,
		limiters: make(map[string]*rate.Limiter),
		rps:      20,
		burst:    40,
	}
}

// Bind records the public and local GSB-style prefixes this Server answers
// under, the way the original bind_gsb(public_prefix, local_prefix) call
// does. The transport here is a flat HTTP router rather than a message bus,
// so the two prefixes are labels carried into logging rather than a routing
// mechanism: publicPrefix is the path peers reach this broker on, localPrefix
// identifies the in-process caller-facing surface (e.g. a future local CLI
// or RPC binding) for log correlation.
func (s *Server) Bind(publicPrefix, localPrefix string) {
	s.publicPrefix = publicPrefix
	s.localPrefix = localPrefix
	s.log.Info("peer server bound", "public_prefix", publicPrefix, "local_prefix", localPrefix)
}

// Router builds the chi router serving peer requests under prefix.
func (s *Server) Router(prefix string) chi.Router {
	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Use(s.rateLimit)
	r.Route(prefix, func(r chi.Router) {
		r.Post("/proposals/initial", s.handleProposalReceived)
		r.Post("/proposals/counter", s.handleProposalReceived)
		r.Post("/proposals/reject", s.handleProposalRejected)
		r.Post("/agreements/approved", s.handleAgreementApproved)
		r.Post("/agreements/rejected", s.handleAgreementRejected)
		r.Post("/agreements/terminated", s.handleAgreementTerminated)
	})
	return r
}

type callerContextKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyForSig+1))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		caller, err := verifyRequest(r, body, s.secrets.SecretFor, s.skew, s.now().UTC())
		if err != nil {
			s.log.Warn("peer request rejected", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r2 := r.WithContext(context.WithValue(r.Context(), callerContextKey{}, caller))
		r2.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r2)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := r.Context().Value(callerContextKey{}).(string)
		if caller == "" {
			caller = clientIP(r)
		}
		limiter := s.obtainLimiter(caller)
		if !limiter.AllowN(s.now(), 1) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) obtainLimiter(id string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rps), s.burst)
		s.limiters[id] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func callerFromContext(r *http.Request) (identity.NodeId, error) {
	raw, _ := r.Context().Value(callerContextKey{}).(string)
	id, err := identity.ParseNodeId(raw)
	if err != nil {
		return identity.NodeId{}, market.ErrNotFound
	}
	return id, nil
}

func (s *Server) handleProposalReceived(w http.ResponseWriter, r *http.Request) {
	var msg ProposalReceivedMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	p, err := s.handlers.OnProposalReceived(r.Context(), msg.DemandSubscription, msg.PrevId,
		market.ProposalBody{Properties: msg.Properties, Constraints: msg.Constraints}, market.Requestor)
	if err != nil {
		writeRemoteError(w, market.AgreementId(msg.PrevId), err)
		return
	}
	writeJSON(w, http.StatusOK, proposalMessage(p))
}

func (s *Server) handleProposalRejected(w http.ResponseWriter, r *http.Request) {
	var msg ProposalRejectedMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	if err := s.handlers.OnProposalRejected(r.Context(), msg.DemandSubscription, msg.ProposalId, msg.Reason); err != nil {
		writeRemoteError(w, market.AgreementId(msg.ProposalId), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgreementApproved(w http.ResponseWriter, r *http.Request) {
	var msg AgreementApprovedMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	caller, err := callerFromContext(r)
	if err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	if err := s.handlers.OnAgreementApproved(r.Context(), msg.AgreementId, caller); err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgreementRejected(w http.ResponseWriter, r *http.Request) {
	var msg AgreementRejectedMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	caller, err := callerFromContext(r)
	if err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	if err := s.handlers.OnAgreementRejected(r.Context(), msg.AgreementId, caller, msg.Reason); err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgreementTerminated(w http.ResponseWriter, r *http.Request) {
	var msg AgreementTerminatedMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	caller, err := callerFromContext(r)
	if err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	if err := s.handlers.OnAgreementTerminated(r.Context(), msg.AgreementId, caller, msg.Reason); err != nil {
		writeRemoteError(w, msg.AgreementId, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRemoteError translates any error into the redacted RemoteAgreementError
// shape peers are allowed to see, never leaking entity existence or internal
// detail.
func writeRemoteError(w http.ResponseWriter, id market.AgreementId, err error) {
	remote, ok := err.(*market.RemoteAgreementError)
	if !ok {
		remote = market.RedactToRemote(id, err)
	}
	status := http.StatusInternalServerError
	switch remote.What {
	case market.RemoteNotFound:
		status = http.StatusNotFound
	case market.RemoteExpired, market.RemoteInvalidState:
		status = http.StatusConflict
	}
	http.Error(w, remote.Error(), status)
}
