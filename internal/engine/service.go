// Package engine orchestrates the masterdata write path: validation,
// duplicate resolution, ownership gating into the approval queue, and
// application of approved changes. Reads and ungated writes pass
// straight through to the EAV store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/dedup"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/ownership"
	"masterdata-backend/internal/store"
)

// Change intent operations, stored in a change request's after image.
const (
	OpSetAttribute = "set_attribute"
	OpSoftDelete   = "soft_delete"
)

// ChangeIntent is the after image of a queued change: the operation to
// re-run through the normal write path once the change is approved.
type ChangeIntent struct {
	Op       string `json:"op"`
	EntityID string `json:"entity_id"`
	Code     string `json:"attribute_code,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Service is the orchestration layer above the EAV store.
type Service struct {
	eav      *eav.Store
	owners   *ownership.Registry
	policy   *ownership.Policy
	changes  *changereq.Workflow
	resolver *dedup.Resolver
	log      zerolog.Logger
}

func NewService(
	eavStore *eav.Store,
	owners *ownership.Registry,
	policy *ownership.Policy,
	changes *changereq.Workflow,
	resolver *dedup.Resolver,
	log zerolog.Logger,
) *Service {
	return &Service{
		eav:      eavStore,
		owners:   owners,
		policy:   policy,
		changes:  changes,
		resolver: resolver,
		log:      log,
	}
}

// EAV exposes the underlying store for read handlers and admin tooling.
func (s *Service) EAV() *eav.Store {
	return s.eav
}

// Changes exposes the change-request workflow.
func (s *Service) Changes() *changereq.Workflow {
	return s.changes
}

// CreateEntity validates and creates a new entity of the named type.
// Unknown attribute codes, type mismatches, and missing required
// attributes fail validation; a semantic duplicate of an existing live
// entity is rejected with the surviving entity's id.
func (s *Service) CreateEntity(ctx context.Context, actor masterdata.Actor, typeCode string, attrs map[string]any) (string, error) {
	entityType, err := s.eav.GetEntityType(ctx, typeCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", NewAppError("UNKNOWN_TYPE", 404, fmt.Sprintf("unknown entity type: %s", typeCode))
		}
		return "", err
	}
	defs, err := s.eav.ListAttributeDefs(ctx, entityType.ID)
	if err != nil {
		return "", err
	}
	defsByCode := make(map[string]masterdata.AttributeDef, len(defs))
	for _, def := range defs {
		defsByCode[def.Code] = def
	}

	var details []ErrorDetail
	encoded := make(map[string]*string, len(attrs))
	for code, raw := range attrs {
		def, ok := defsByCode[code]
		if !ok {
			details = append(details, ErrorDetail{Field: code, Rule: "unknown", Message: fmt.Sprintf("unknown attribute: %s", code)})
			continue
		}
		value, err := masterdata.EncodeValue(def.DataType, raw)
		if err != nil {
			details = append(details, ErrorDetail{Field: code, Rule: "type", Message: err.Error()})
			continue
		}
		if value != nil {
			encoded[def.ID] = value
		}
	}
	for _, def := range defs {
		if def.IsRequired && encoded[def.ID] == nil {
			details = append(details, ErrorDetail{Field: def.Code, Rule: "required", Message: fmt.Sprintf("%s is required", def.Code)})
		}
	}
	if len(details) > 0 {
		return "", ValidationError(details)
	}

	records, err := s.eav.ListWithAttributes(ctx, entityType.ID)
	if err != nil {
		return "", err
	}
	existing := make([]dedup.Existing, 0, len(records))
	for _, rec := range records {
		if rec.Entity.DeletedAt != nil {
			continue
		}
		existing = append(existing, dedup.Existing{ID: rec.Entity.ID, Attrs: rec.Attrs})
	}
	if matchID, found := s.resolver.FindMatch(attrs, existing); found {
		return "", &dedup.DuplicateError{TypeCode: typeCode, ExistingID: matchID}
	}

	return s.eav.CreateEntity(ctx, actor, entityType.ID, encoded)
}

// UpdateAttribute sets one attribute of one entity. When ownership
// gating applies, nothing is written: the change is queued as a pending
// change request (returned non-nil) and the store stays untouched until
// an owner or admin approves it.
func (s *Service) UpdateAttribute(ctx context.Context, actor masterdata.Actor, entityID, code string, value any, opts eav.SetOptions) (*changereq.ChangeRequest, error) {
	record, err := s.eav.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if record.Entity.DeletedAt != nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, eav.ErrTombstoned)
	}

	gated, err := s.requiresApproval(ctx, actor, entityID)
	if err != nil {
		return nil, err
	}
	if !gated {
		return nil, s.eav.SetAttribute(ctx, actor, entityID, code, value, opts)
	}

	before, rowID, err := s.valueSnapshot(ctx, entityID, code)
	if err != nil {
		return nil, err
	}
	if rowID == "" {
		rowID = entityID
	}
	cr, err := s.queue(ctx, actor, changereq.Proposal{
		TableName:    "attribute_values",
		RowID:        rowID,
		RootEntityID: entityID,
		Before:       before,
		After:        intentMap(ChangeIntent{Op: OpSetAttribute, EntityID: entityID, Code: code, Value: value}),
		Author:       actor,
	}, entityID)
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// DeleteEntity tombstones an entity, or queues the deletion when
// ownership gating applies.
func (s *Service) DeleteEntity(ctx context.Context, actor masterdata.Actor, entityID string) (*changereq.ChangeRequest, error) {
	record, err := s.eav.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if record.Entity.DeletedAt != nil {
		return nil, nil
	}

	gated, err := s.requiresApproval(ctx, actor, entityID)
	if err != nil {
		return nil, err
	}
	if !gated {
		return nil, s.eav.SoftDelete(ctx, actor, entityID)
	}

	before := map[string]any{"entity_id": entityID, "deleted_at": nil}
	cr, err := s.queue(ctx, actor, changereq.Proposal{
		TableName:    "entities",
		RowID:        entityID,
		RootEntityID: entityID,
		Before:       before,
		After:        intentMap(ChangeIntent{Op: OpSoftDelete, EntityID: entityID}),
		Author:       actor,
	}, entityID)
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// ApplyChangeRequest re-runs a pending change through the normal write
// path and marks it applied. Only an admin or the record owner may
// decide. If the underlying write now conflicts, the error surfaces and
// the request stays pending.
func (s *Service) ApplyChangeRequest(ctx context.Context, approver masterdata.Actor, id string) (changereq.ChangeRequest, error) {
	cr, err := s.changes.Get(ctx, id)
	if err != nil {
		return changereq.ChangeRequest{}, err
	}
	if cr.Status != changereq.StatusPending {
		return cr, fmt.Errorf("change request %s: %w", id, changereq.ErrDecided)
	}
	if !s.canDecide(approver, cr) {
		return cr, ForbiddenError("only the record owner or an admin may decide a change request")
	}

	var intent ChangeIntent
	if err := decodeIntent(cr.After, &intent); err != nil {
		return cr, fmt.Errorf("change request %s: %w", id, err)
	}

	author := masterdata.Actor{UserID: cr.AuthorUserID, Username: cr.AuthorUsername}
	switch intent.Op {
	case OpSetAttribute:
		err = s.eav.SetAttribute(ctx, author, intent.EntityID, intent.Code, intent.Value, eav.SetOptions{})
	case OpSoftDelete:
		err = s.eav.SoftDelete(ctx, author, intent.EntityID)
	default:
		err = fmt.Errorf("unknown change intent op %q", intent.Op)
	}
	if err != nil {
		return cr, err
	}

	if err := s.changes.MarkApplied(ctx, id, approver); err != nil {
		return cr, err
	}
	s.log.Info().
		Str("change_request_id", id).
		Str("op", intent.Op).
		Str("approved_by", approver.Username).
		Msg("change request applied")
	return s.changes.Get(ctx, id)
}

// RejectChangeRequest marks a pending change rejected without touching
// the store.
func (s *Service) RejectChangeRequest(ctx context.Context, approver masterdata.Actor, id string) (changereq.ChangeRequest, error) {
	cr, err := s.changes.Get(ctx, id)
	if err != nil {
		return changereq.ChangeRequest{}, err
	}
	if !s.canDecide(approver, cr) {
		return cr, ForbiddenError("only the record owner or an admin may decide a change request")
	}
	if err := s.changes.MarkRejected(ctx, id, approver); err != nil {
		return cr, err
	}
	s.log.Info().
		Str("change_request_id", id).
		Str("rejected_by", approver.Username).
		Msg("change request rejected")
	return s.changes.Get(ctx, id)
}

func (s *Service) requiresApproval(ctx context.Context, actor masterdata.Actor, entityID string) (bool, error) {
	db := s.eav.DB()
	owner, err := s.owners.OwnerOf(ctx, db.DB, db.Dialect, "entities", entityID)
	if err != nil {
		return false, err
	}
	return s.policy.RequiresApproval("entities", actor, owner)
}

func (s *Service) queue(ctx context.Context, actor masterdata.Actor, p changereq.Proposal, entityID string) (*changereq.ChangeRequest, error) {
	db := s.eav.DB()
	owner, err := s.owners.OwnerOf(ctx, db.DB, db.Dialect, "entities", entityID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		p.OwnerUserID = owner.OwnerUserID
	}
	cr, err := s.changes.Propose(ctx, p)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("change_request_id", cr.ID).
		Str("table", cr.TableName).
		Str("row_id", cr.RowID).
		Str("author", actor.Username).
		Msg("change queued for approval")
	return &cr, nil
}

func (s *Service) canDecide(approver masterdata.Actor, cr changereq.ChangeRequest) bool {
	if approver.IsAdmin() {
		return true
	}
	return cr.OwnerUserID != "" && approver.UserID == cr.OwnerUserID
}

// valueSnapshot captures the current state of one attribute for a
// change request's before image. Returns a nil map when no live value
// row exists yet.
func (s *Service) valueSnapshot(ctx context.Context, entityID, code string) (map[string]any, string, error) {
	current, err := s.eav.GetValue(ctx, entityID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	decoded, err := masterdata.DecodeValue(current.ValueJSON)
	if err != nil {
		return nil, "", err
	}
	before := map[string]any{
		"entity_id":      entityID,
		"attribute_code": code,
		"value":          decoded,
		"version":        current.Version,
	}
	return before, current.ID, nil
}

func intentMap(intent ChangeIntent) map[string]any {
	raw, _ := json.Marshal(intent)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func decodeIntent(after map[string]any, intent *ChangeIntent) error {
	raw, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode after image: %w", err)
	}
	if err := json.Unmarshal(raw, intent); err != nil {
		return fmt.Errorf("decode change intent: %w", err)
	}
	if intent.Op == "" {
		return fmt.Errorf("change intent has no op")
	}
	return nil
}
