// Package vault implements the per-user vault operations: registration, tool
// grants, event capture, timeline reconstruction, export and import, and
// master key rotation. It composes the keyvault primitives with an
// interfaces.EventStore and serialises work per user through a coordinator.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/coordinator"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/keyvault"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/root-sector-ltd-and-co-kg/pathlog-vault/vault"

// Service orchestrates vault operations over an EventStore
type Service struct {
	store       interfaces.EventStore
	kv          *keyvault.KeyVault
	sealer      interfaces.KeySealer
	coord       *coordinator.Coordinator
	auditLogger interfaces.AuditLogger
	zLogger     zerolog.Logger
	tracer      trace.Tracer
	policy      types.EncryptionPolicy
	now         func() time.Time

	// encryptPayload seals a payload under a master key. Rotation goes
	// through it for every re-encrypted entry.
	encryptPayload func(key []byte, payload types.EventPayload) (string, error)
}

// Option configures a Service
type Option func(*Service)

// WithKeyVault sets the key primitives, typically to tune KDF costs
func WithKeyVault(kv *keyvault.KeyVault) Option {
	return func(s *Service) {
		s.kv = kv
	}
}

// WithLogger sets the operational logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.zLogger = logger
	}
}

// WithAuditLogger enables audit events
func WithAuditLogger(logger interfaces.AuditLogger) Option {
	return func(s *Service) {
		s.auditLogger = logger
	}
}

// WithSealer protects the master keys of passphrase-less vaults with a KMS
func WithSealer(sealer interfaces.KeySealer) Option {
	return func(s *Service) {
		s.sealer = sealer
	}
}

// WithClock replaces the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCoordinator shares a coordinator between services on the same store
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(s *Service) {
		s.coord = c
	}
}

// WithEncryptionPolicy sets the policy block written to new profiles and key files
func WithEncryptionPolicy(policy types.EncryptionPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithTracerProvider sets where spans are sent. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(instrumentationName)
	}
}

// NewService creates a vault service on top of store
func NewService(store interfaces.EventStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required for NewService")
	}

	s := &Service{
		store:  store,
		policy: types.DefaultEncryptionPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.kv == nil {
		s.kv = keyvault.New()
	}
	if s.coord == nil {
		s.coord = coordinator.NewCoordinator()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	if s.zLogger.GetLevel() == zerolog.Disabled {
		s.zLogger = log.Logger
	}
	s.zLogger = s.zLogger.With().Str("component", "vault").Logger()
	s.encryptPayload = s.kv.EncryptPayload

	return s, nil
}

// RegisterRequest carries the inputs of RegisterUser
type RegisterRequest struct {
	Email       string
	AcceptTerms bool
	Passphrase  string
	Alias       string
}

// RegisterResult identifies a new vault. It never carries key material.
type RegisterResult struct {
	UserID string `json:"user_id"`
	KeyID  string `json:"key_id"`
}

// CaptureRequest carries one interaction to store
type CaptureRequest struct {
	UserID     string
	ToolName   string
	Prompt     string
	Response   string
	Metadata   map[string]any
	Passphrase string
}

// CaptureResult identifies a stored event
type CaptureResult struct {
	EventID  string    `json:"event_id"`
	StoredAt time.Time `json:"stored_at"`
}

// RegisterUser creates a vault with a fresh master key
func (s *Service) RegisterUser(ctx context.Context, req RegisterRequest) (result *RegisterResult, err error) {
	ctx, span := s.startSpan(ctx, "vault.register")
	defer func() { endSpan(span, err) }()

	if !req.AcceptTerms {
		return nil, types.ErrConsentRequired
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	userID := uuid.NewString()
	keyID := uuid.NewString()
	span.SetAttributes(attribute.String("pathlog.user_id", userID))

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeRegister, audit.OperationCreate, userID, keyID, nil, err)
	}()

	now := s.timestamp()
	profile := &types.Profile{
		UserID:           userID,
		Email:            email,
		Alias:            strings.TrimSpace(req.Alias),
		Keys:             map[string]types.KeyRecord{},
		ConnectedTools:   []string{},
		EncryptionPolicy: s.policy,
		CreatedAt:        now,
	}
	if req.Passphrase != "" {
		record, err := s.kv.NewPassphraseRecord(req.Passphrase)
		if err != nil {
			return nil, err
		}
		profile.Passphrase = record
	}

	masterKey, err := s.kv.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	defer keyvault.Wipe(masterKey)

	rec, err := s.wrapKey(ctx, keyID, masterKey, req.Passphrase, now)
	if err != nil {
		return nil, err
	}
	profile.Keys[keyID] = rec
	profile.CurrentKeyID = keyID

	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.WriteKeyRecord(ctx, userID, types.NewKeyFile(userID, rec, s.policy)); err != nil {
		return nil, err
	}
	// the profile goes last so a half-registered user is never visible
	if err := s.store.SaveProfile(ctx, userID, profile); err != nil {
		return nil, err
	}

	s.zLogger.Info().
		Str("userId", userID).
		Str("keyId", keyID).
		Bool("requiresPassphrase", profile.RequiresPassphrase()).
		Str("sealedBy", rec.SealedBy).
		Msg("Vault registered")

	return &RegisterResult{UserID: userID, KeyID: keyID}, nil
}

// ConnectTool grants toolName capture access and returns the granted tools
func (s *Service) ConnectTool(ctx context.Context, userID, toolName string) (tools []string, err error) {
	ctx, span := s.startSpan(ctx, "vault.connect", attribute.String("pathlog.user_id", userID))
	defer func() { endSpan(span, err) }()

	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return nil, fmt.Errorf("%w: tool name cannot be empty", types.ErrValidation)
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeConnect, audit.OperationUpdate, userID, "",
			map[string]string{string(audit.KeyToolName): toolName}, err)
	}()

	profile, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, t := range profile.ConnectedTools {
		if t == toolName {
			return append([]string{}, profile.ConnectedTools...), nil
		}
	}

	profile.ConnectedTools = append(profile.ConnectedTools, toolName)
	profile.UpdatedAt = s.timestamp()
	if err := s.store.SaveProfile(ctx, userID, profile); err != nil {
		return nil, err
	}

	s.zLogger.Debug().Str("userId", userID).Str("tool", toolName).Msg("Tool connected")
	return append([]string{}, profile.ConnectedTools...), nil
}

// CaptureEvent encrypts one interaction under the current key and appends it.
// Prior events are never read.
func (s *Service) CaptureEvent(ctx context.Context, req CaptureRequest) (result *CaptureResult, err error) {
	ctx, span := s.startSpan(ctx, "vault.capture",
		attribute.String("pathlog.user_id", req.UserID),
		attribute.String("pathlog.tool", req.ToolName))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.ToolName) == "" {
		return nil, fmt.Errorf("%w: tool name cannot be empty", types.ErrValidation)
	}

	unlock, err := s.lockUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	eventID := uuid.NewString()
	var keyID string
	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeCapture, audit.OperationEncrypt, req.UserID, keyID,
			map[string]string{
				string(audit.KeyToolName): req.ToolName,
				string(audit.KeyEventID):  eventID,
			}, err)
	}()

	profile, err := s.loadVerified(ctx, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	keyID = profile.CurrentKeyID

	ring := s.newKeyRing(profile, req.Passphrase)
	defer ring.wipe()

	masterKey, err := ring.key(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer keyvault.Wipe(masterKey)

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	timestamp := s.timestamp()
	payload := types.EventPayload{
		EventID:   eventID,
		ToolName:  req.ToolName,
		Prompt:    req.Prompt,
		Response:  req.Response,
		Metadata:  metadata,
		Timestamp: timestamp,
	}
	ciphertext, err := s.kv.EncryptPayload(masterKey, payload)
	if err != nil {
		return nil, err
	}

	entry := types.EventEntry{
		EventID:    eventID,
		KeyID:      keyID,
		Ciphertext: ciphertext,
		CreatedAt:  timestamp,
	}
	if err := s.store.AppendEvent(ctx, req.UserID, entry); err != nil {
		return nil, err
	}

	s.zLogger.Debug().Str("userId", req.UserID).Str("eventId", eventID).Str("tool", req.ToolName).Msg("Event captured")
	return &CaptureResult{EventID: eventID, StoredAt: timestamp}, nil
}

// lockUser takes the in-process lock and then the store's lock, which also
// excludes other processes on the same storage. Every operation holds both
// for its whole duration.
func (s *Service) lockUser(ctx context.Context, userID string) (func(), error) {
	unlockLocal, err := s.coord.LockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlockStore, err := s.store.LockUser(ctx, userID)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		unlockStore()
		unlockLocal()
	}, nil
}

// timestamp is the current time in UTC at millisecond precision, the finest
// every backend stores
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// loadVerified loads the profile and checks passphrase against it
func (s *Service) loadVerified(ctx context.Context, userID, passphrase string) (*types.Profile, error) {
	profile, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := verifyPassphrase(profile, passphrase); err != nil {
		s.zLogger.Warn().Str("userId", userID).Err(err).Msg("Passphrase check failed")
		return nil, err
	}
	return profile, nil
}

func verifyPassphrase(profile *types.Profile, passphrase string) error {
	if !profile.RequiresPassphrase() {
		return nil
	}
	if passphrase == "" {
		return types.ErrPassphraseRequired
	}
	if !keyvault.VerifyPassphrase(profile.Passphrase, passphrase) {
		return types.ErrInvalidPassphrase
	}
	return nil
}

// wrapKey wraps masterKey per the vault's passphrase policy. Without a
// passphrase the configured sealer, if any, seals the key.
func (s *Service) wrapKey(ctx context.Context, keyID string, masterKey []byte, passphrase string, createdAt time.Time) (types.KeyRecord, error) {
	wrapped, err := s.kv.WrapMasterKey(masterKey, passphrase)
	if err != nil {
		return types.KeyRecord{}, err
	}
	if passphrase == "" && s.sealer != nil {
		sealed, err := s.sealer.Seal(ctx, sealAAD(keyID), masterKey)
		if err != nil {
			return types.KeyRecord{}, err
		}
		wrapped.WrappedKey = sealed
		wrapped.SealedBy = s.sealer.Name()
	}
	return types.NewKeyRecord(keyID, wrapped, createdAt), nil
}

// unwrapKey recovers the master key of rec
func (s *Service) unwrapKey(ctx context.Context, rec types.KeyRecord, passphrase string) ([]byte, error) {
	if rec.SealedBy == "" {
		if !rec.RequiresPassphrase {
			passphrase = ""
		}
		return s.kv.UnwrapMasterKey(rec.Wrapped(), passphrase)
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: key %s is sealed by %s but no sealer is configured", types.ErrKeyWrap, rec.KeyID, rec.SealedBy)
	}
	if s.sealer.Name() != rec.SealedBy {
		return nil, fmt.Errorf("%w: key %s is sealed by %s, configured sealer is %s", types.ErrKeyWrap, rec.KeyID, rec.SealedBy, s.sealer.Name())
	}
	return s.sealer.Unseal(ctx, sealAAD(rec.KeyID), rec.WrappedKey)
}

// sealAAD binds a sealed key to its key id. Key ids survive a re-targeted
// import, user ids do not.
func sealAAD(keyID string) string {
	return "pathlog.key:" + keyID
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: a valid email address is required", types.ErrValidation)
	}
	return email, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("pathlog.error_kind", string(types.KindOf(err))))
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// logAuditEvent records the outcome of an operation. Audit failures are
// logged and never fail the operation.
func (s *Service) logAuditEvent(ctx context.Context, eventType, operation, userID, keyID string, extra map[string]string, err error) {
	if s.auditLogger == nil {
		return
	}

	event := audit.NewAuditEvent(eventType, operation, userID)
	event.Timestamp = s.timestamp()
	event.KeyID = keyID
	for k, v := range extra {
		event.Context[k] = v
	}
	if err != nil {
		event.Status = audit.StatusFailed
		event.Context[string(audit.KeyError)] = string(types.KindOf(err))
	}

	if logErr := s.auditLogger.LogEvent(ctx, event); logErr != nil {
		s.zLogger.Warn().Err(logErr).Str("eventType", eventType).Msg("Failed to log audit event")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrUserNotFound)
}
