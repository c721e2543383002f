package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"marketbroker/identity"
)

// SQLStore is a transactional Store backed by modernc.org/sqlite, using the
// plain database/sql-over-sqlite shape rather than an ORM.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (and migrates) a SQLite-backed Store at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			prev_id TEXT,
			demand_subscription TEXT NOT NULL,
			offer_subscription TEXT NOT NULL,
			properties TEXT NOT NULL,
			constraints TEXT NOT NULL,
			issuer INTEGER NOT NULL,
			owner INTEGER NOT NULL,
			state INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_prev ON proposals(prev_id);`,
		`CREATE TABLE IF NOT EXISTS agreements (
			id TEXT PRIMARY KEY,
			demand_proposal_id TEXT NOT NULL,
			offer_proposal_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			requestor_id TEXT NOT NULL,
			valid_to TIMESTAMP NOT NULL,
			state INTEGER NOT NULL,
			owner INTEGER NOT NULL,
			app_session_id TEXT,
			approved_ts TIMESTAMP,
			approved_signature BLOB,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agreements_pair ON agreements(demand_proposal_id, offer_proposal_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) SaveProposal(ctx context.Context, p *Proposal) error {
	propsJSON, err := json.Marshal(p.Body.Properties)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO proposals(id, prev_id, demand_subscription, offer_subscription, properties, constraints, issuer, owner, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, string(p.Id), nullProposalId(p.PrevId), string(p.DemandSubscription), string(p.OfferSubscription),
		string(propsJSON), p.Body.Constraints, int(p.Issuer), int(p.Owner), int(p.State), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *SQLStore) CounterProposal(ctx context.Context, prevId ProposalId, body ProposalBody, issuer Issuer, owner Role) (*Proposal, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	prev, err := s.getProposalTx(ctx, tx, prevId)
	if err != nil {
		return nil, false, err
	}
	if prev.State.Terminal() {
		return nil, false, ErrTerminalState
	}
	if prev.State != ProposalInitial && prev.State != ProposalDraft {
		return nil, false, ErrTerminalState
	}

	// A sibling counter from the same issuer already exists.
	rows, err := tx.QueryContext(ctx, `SELECT issuer FROM proposals WHERE prev_id = ?`, string(prevId))
	if err != nil {
		return nil, false, err
	}
	var siblingFromUs bool
	for rows.Next() {
		var siblingIssuer int
		if err := rows.Scan(&siblingIssuer); err != nil {
			rows.Close()
			return nil, false, err
		}
		if Issuer(siblingIssuer) == issuer {
			siblingFromUs = true
		}
	}
	rows.Close()
	if siblingFromUs {
		return nil, false, ErrAlreadyCountered
	}

	isFirst := prev.PrevId == nil

	next := &Proposal{
		Id:                 NewProposalId(),
		PrevId:             &prevId,
		DemandSubscription: prev.DemandSubscription,
		OfferSubscription:  prev.OfferSubscription,
		Body:               body.Clone(),
		Issuer:             issuer,
		Owner:              owner,
		State:              ProposalDraft,
		CreatedAt:          time.Now().UTC(),
	}
	propsJSON, err := json.Marshal(next.Body.Properties)
	if err != nil {
		return nil, false, err
	}
	const stmt = `INSERT INTO proposals(id, prev_id, demand_subscription, offer_subscription, properties, constraints, issuer, owner, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt, string(next.Id), string(prevId), string(next.DemandSubscription), string(next.OfferSubscription),
		string(propsJSON), next.Body.Constraints, int(next.Issuer), int(next.Owner), int(next.State), next.CreatedAt); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return next, isFirst, nil
}

func (s *SQLStore) RejectProposal(ctx context.Context, id ProposalId, by Issuer, reason *Reason) (*Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := s.getProposalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.State == ProposalRejected {
		// Idempotent against a repeated identical reject.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if p.State.Terminal() {
		return nil, ErrTerminalState
	}
	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET state = ? WHERE id = ?`, int(ProposalRejected), string(id)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.State = ProposalRejected
	return p, nil
}

func (s *SQLStore) GetProposal(ctx context.Context, id ProposalId) (*Proposal, error) {
	return s.getProposalTx(ctx, s.db, id)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getProposalTx(ctx context.Context, q queryer, id ProposalId) (*Proposal, error) {
	const query = `SELECT id, prev_id, demand_subscription, offer_subscription, properties, constraints, issuer, owner, state, created_at
		FROM proposals WHERE id = ?`
	row := q.QueryRowContext(ctx, query, string(id))
	var (
		pid, demandSub, offerSub, propsJSON, constraints string
		prevId                                           sql.NullString
		issuer, owner, state                              int
		createdAt                                        time.Time
	)
	if err := row.Scan(&pid, &prevId, &demandSub, &offerSub, &propsJSON, &constraints, &issuer, &owner, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var props map[string]string
	if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
		return nil, err
	}
	p := &Proposal{
		Id:                 ProposalId(pid),
		DemandSubscription: SubscriptionId(demandSub),
		OfferSubscription:  SubscriptionId(offerSub),
		Body:               ProposalBody{Properties: props, Constraints: constraints},
		Issuer:             Issuer(issuer),
		Owner:              Role(owner),
		State:              ProposalState(state),
		CreatedAt:          createdAt,
	}
	if prevId.Valid {
		v := ProposalId(prevId.String)
		p.PrevId = &v
	}
	return p, nil
}

func (s *SQLStore) SaveAgreement(ctx context.Context, a *Agreement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, pid := range []ProposalId{a.DemandProposalId, a.OfferProposalId} {
		p, err := s.getProposalTx(ctx, tx, pid)
		if err != nil {
			return err
		}
		// A Proposal is "countered" once a successor other than the pair's
		// own offer proposal exists in its chain.
		var successors int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE prev_id = ? AND id <> ?`, string(p.Id), string(a.OfferProposalId)).Scan(&successors); err != nil {
			return err
		}
		if successors > 0 || p.State.Terminal() {
			return ErrProposalCountered
		}
	}

	const stmt = `INSERT INTO agreements(id, demand_proposal_id, offer_proposal_id, provider_id, requestor_id, valid_to, state, owner, app_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, stmt, string(a.Id), string(a.DemandProposalId), string(a.OfferProposalId), a.ProviderId.String(), a.RequestorId.String(),
		a.ValidTo, int(AgreementProposal), int(a.Owner), nullAppSessionId(a.AppSessionId), a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existingId, lookupErr := s.agreementIdForPairTx(ctx, tx, a.DemandProposalId, a.OfferProposalId)
			if lookupErr == nil {
				return &AlreadyExistsAgreementError{AgreementId: existingId, ProposalId: a.OfferProposalId}
			}
			return ErrAlreadyExists
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) agreementIdForPairTx(ctx context.Context, tx *sql.Tx, demandProposalId, offerProposalId ProposalId) (AgreementId, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM agreements WHERE demand_proposal_id = ? AND offer_proposal_id = ?`,
		string(demandProposalId), string(offerProposalId)).Scan(&id)
	if err != nil {
		return "", err
	}
	return AgreementId(id), nil
}

func (s *SQLStore) Select(ctx context.Context, id AgreementId, ownerFilter *Role, now time.Time) (*Agreement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := s.getAgreementTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if ownerFilter != nil && a.Owner != *ownerFilter {
		return nil, nil
	}
	if !a.ValidTo.After(now) && (a.State == AgreementProposal || a.State == AgreementPending) {
		if _, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ? WHERE id = ?`, int(AgreementExpired), string(id)); err != nil {
			return nil, err
		}
		a.State = AgreementExpired
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLStore) getAgreementTx(ctx context.Context, q queryer, id AgreementId) (*Agreement, error) {
	const query = `SELECT id, demand_proposal_id, offer_proposal_id, provider_id, requestor_id, valid_to, state, owner, app_session_id, approved_ts, approved_signature, created_at
		FROM agreements WHERE id = ?`
	row := q.QueryRowContext(ctx, query, string(id))
	var (
		aid, demandPid, offerPid, providerId, requestorId string
		validTo, createdAt                                time.Time
		state, owner                                      int
		appSessionId, approvedTs                           sql.NullString
		approvedSig                                       []byte
	)
	if err := row.Scan(&aid, &demandPid, &offerPid, &providerId, &requestorId, &validTo, &state, &owner, &appSessionId, &approvedTs, &approvedSig, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	provider, err := identity.ParseNodeId(providerId)
	if err != nil {
		return nil, err
	}
	requestor, err := identity.ParseNodeId(requestorId)
	if err != nil {
		return nil, err
	}
	a := &Agreement{
		Id:               AgreementId(aid),
		DemandProposalId: ProposalId(demandPid),
		OfferProposalId:  ProposalId(offerPid),
		ProviderId:       provider,
		RequestorId:      requestor,
		ValidTo:          validTo,
		State:            AgreementState(state),
		Owner:            Role(owner),
		CreatedAt:        createdAt,
	}
	if appSessionId.Valid {
		v := appSessionId.String
		a.AppSessionId = &v
	}
	if approvedTs.Valid {
		t, err := time.Parse(time.RFC3339Nano, approvedTs.String)
		if err == nil {
			a.ApprovedTs = &t
		}
	}
	if len(approvedSig) > 0 {
		a.ApprovedSignature = approvedSig
	}
	return a, nil
}

func (s *SQLStore) Confirm(ctx context.Context, id AgreementId, appSessionId AppSessionId) error {
	return s.transition(ctx, id, AgreementPending, func(tx *sql.Tx, a *Agreement) error {
		_, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ?, app_session_id = ? WHERE id = ?`,
			int(AgreementPending), nullAppSessionId(appSessionId), string(id))
		return err
	})
}

func (s *SQLStore) BeginApproval(ctx context.Context, id AgreementId) error {
	return s.transition(ctx, id, AgreementApproving, func(tx *sql.Tx, a *Agreement) error {
		_, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ? WHERE id = ?`, int(AgreementApproving), string(id))
		return err
	})
}

func (s *SQLStore) Approve(ctx context.Context, id AgreementId, sessionOverride AppSessionId) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := s.getAgreementTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := validateTransition(a.State, AgreementApproved); err != nil {
		return err
	}
	now := time.Now().UTC()
	args := []any{int(AgreementApproved), now.Format(time.RFC3339Nano)}
	setClause := `state = ?, approved_ts = ?`
	if sessionOverride != nil {
		setClause += `, app_session_id = ?`
		args = append(args, *sessionOverride)
	}
	args = append(args, string(id))
	if _, err := tx.ExecContext(ctx, `UPDATE agreements SET `+setClause+` WHERE id = ?`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Reject(ctx context.Context, id AgreementId, reason *Reason) error {
	return s.transition(ctx, id, AgreementRejected, func(tx *sql.Tx, a *Agreement) error {
		_, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ? WHERE id = ?`, int(AgreementRejected), string(id))
		return err
	})
}

func (s *SQLStore) Terminate(ctx context.Context, id AgreementId, reason *Reason) error {
	return s.transition(ctx, id, AgreementTerminated, func(tx *sql.Tx, a *Agreement) error {
		_, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ? WHERE id = ?`, int(AgreementTerminated), string(id))
		return err
	})
}

func (s *SQLStore) Cancel(ctx context.Context, id AgreementId) error {
	return s.transition(ctx, id, AgreementCancelled, func(tx *sql.Tx, a *Agreement) error {
		_, err := tx.ExecContext(ctx, `UPDATE agreements SET state = ? WHERE id = ?`, int(AgreementCancelled), string(id))
		return err
	})
}

// transition runs a read-validate-write sequence for a single Agreement
// inside one transaction, so the precondition check and the write commit
// atomically.
func (s *SQLStore) transition(ctx context.Context, id AgreementId, target AgreementState, apply func(tx *sql.Tx, a *Agreement) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := s.getAgreementTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := validateTransition(a.State, target); err != nil {
		return err
	}
	if err := apply(tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func nullProposalId(id *ProposalId) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func nullAppSessionId(id AppSessionId) any {
	if id == nil {
		return nil
	}
	return *id
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint") || containsFold(err.Error(), "constraint failed"))
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// Small helper kept local to avoid pulling in strings.Contains+ToLower at
	// every call site; sqlite driver error text casing is stable but we stay
	// defensive since it differs across driver versions.
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
