package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates an update without a usable chat id.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidPasscode indicates a passcode that matches no participant.
	ErrInvalidPasscode = errors.New("users: invalid passcode")
	// ErrPasscodeUsed indicates a passcode bound to another chat or reserved for another username.
	ErrPasscodeUsed = errors.New("users: passcode already used")
	// ErrAlreadyRegistered indicates a chat that is already bound to a participant.
	ErrAlreadyRegistered = errors.New("users: chat already registered")
	// ErrUserNotFound indicates an unknown participant.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opNewService = "users.service.new"
	opRegister   = "users.register"
	opUpdate     = "users.update"
	opUnassign   = "users.unassign"
	opImport     = "users.import"
)

// ServiceError wraps registry failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies required for participant registration.
type ServiceConfig struct {
	Database *gorm.DB
	Events   events.Publisher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service binds imported participants to chat identities and keeps their preferences.
type Service struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the participant registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewService, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		db:     cfg.Database,
		events: publisher,
		now:    clock,
		logger: logger,
	}, nil
}

// FindByChat returns the participant bound to chatID, or nil when the chat is not registered.
func (s *Service) FindByChat(ctx context.Context, chatID int64) (*store.User, error) {
	if chatID == 0 {
		return nil, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(chatID); ok {
		if userID, ok := cached.(uint); ok {
			var user store.User
			err := s.db.WithContext(ctx).Where("id = ? AND chat_user_id = ?", userID, chatID).Take(&user).Error
			if err == nil {
				return &user, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
			s.cache.Delete(chatID)
		}
	}

	var user store.User
	err := s.db.WithContext(ctx).Where("chat_user_id = ?", chatID).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	s.cache.Store(chatID, user.ID)
	return &user, nil
}

// Get loads a participant by id.
func (s *Service) Get(ctx context.Context, id uint) (store.User, error) {
	var user store.User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.User{}, ErrUserNotFound
	}
	return user, err
}

// FindByPasscodes resolves passcodes to participants and lists the codes that matched nobody.
func (s *Service) FindByPasscodes(ctx context.Context, codes []string) ([]store.User, []string, error) {
	normalized := make([]string, 0, len(codes))
	for _, code := range codes {
		if code = NormalizePasscode(code); code != "" {
			normalized = append(normalized, code)
		}
	}
	if len(normalized) == 0 {
		return nil, nil, nil
	}
	var found []store.User
	if err := s.db.WithContext(ctx).Where("passcode IN ?", normalized).Order("id ASC").Find(&found).Error; err != nil {
		return nil, nil, err
	}
	known := make(map[string]bool, len(found))
	for _, user := range found {
		known[user.Passcode] = true
	}
	var missing []string
	for _, code := range normalized {
		if !known[code] {
			missing = append(missing, code)
		}
	}
	return found, missing, nil
}

// Register binds identity to the participant holding passcode and marks them present.
func (s *Service) Register(ctx context.Context, passcode string, identity ChatIdentity, lang store.Language) (store.User, error) {
	if identity.ChatID == 0 {
		return store.User{}, ErrInvalidIdentity
	}
	code := NormalizePasscode(passcode)
	if code == "" {
		return store.User{}, ErrInvalidPasscode
	}

	var user store.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bound int64
		if err := tx.Model(&store.User{}).Where("chat_user_id = ?", identity.ChatID).Count(&bound).Error; err != nil {
			return err
		}
		if bound > 0 {
			return ErrAlreadyRegistered
		}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("passcode = ?", code).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidPasscode
		}
		if err != nil {
			return err
		}
		if user.ChatUserID != nil || identity.reservedFor(user.ChatUsername) {
			return ErrPasscodeUsed
		}
		updates := map[string]any{
			"chat_user_id":      identity.ChatID,
			"chat_username":     optional(identity.Username),
			"chat_display_name": optional(identity.DisplayName),
			"language":          lang,
			"present":           true,
		}
		if err := tx.Model(&store.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", user.ID).Take(&user).Error
	})
	switch {
	case errors.Is(err, ErrInvalidPasscode), errors.Is(err, ErrPasscodeUsed), errors.Is(err, ErrAlreadyRegistered):
		return store.User{}, err
	case err != nil:
		s.logError(opRegister, "update_failed", err, zap.Int64("chat_id", identity.ChatID))
		return store.User{}, newServiceError(opRegister, "update_failed", err)
	}

	s.cache.Store(identity.ChatID, user.ID)
	event := events.New(events.TypeParticipantRegistered, user.ID, s.now().UTC(), map[string]any{
		"area":     user.Area,
		"language": string(lang),
	})
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("participant event not published", zap.Uint("user_id", user.ID), zap.Error(err))
	}
	return user, nil
}

// SetLanguage stores the participant's language.
func (s *Service) SetLanguage(ctx context.Context, userID uint, lang store.Language) error {
	return s.update(ctx, userID, map[string]any{"language": lang})
}

// SetPresent updates the presence flag and reports whether it changed.
func (s *Service) SetPresent(ctx context.Context, user store.User, present bool) (bool, error) {
	if user.Present == present {
		return false, nil
	}
	if err := s.update(ctx, user.ID, map[string]any{"present": present}); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleInitiativeNotifications flips the initiative notification preference and returns the new value.
func (s *Service) ToggleInitiativeNotifications(ctx context.Context, user store.User) (bool, error) {
	enabled := !user.InitiativeNotifs
	if err := s.update(ctx, user.ID, map[string]any{"initiative_notifs": enabled}); err != nil {
		return user.InitiativeNotifs, err
	}
	return enabled, nil
}

// UnassignCode releases the chat identity bound to passcode so that the code can be registered
// again. The username reservation is cleared as well.
func (s *Service) UnassignCode(ctx context.Context, passcode string) (store.User, error) {
	code := NormalizePasscode(passcode)
	var user store.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("passcode = ?", code).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidPasscode
		}
		if err != nil {
			return err
		}
		return tx.Model(&store.User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"chat_user_id":      nil,
			"chat_username":     nil,
			"chat_display_name": nil,
		}).Error
	})
	switch {
	case errors.Is(err, ErrInvalidPasscode):
		return store.User{}, err
	case err != nil:
		s.logError(opUnassign, "update_failed", err, zap.String("passcode", code))
		return store.User{}, newServiceError(opUnassign, "update_failed", err)
	}
	if user.ChatUserID != nil {
		s.cache.Delete(*user.ChatUserID)
	}
	return user, nil
}

func (s *Service) update(ctx context.Context, userID uint, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&store.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.Uint("user_id", userID))
		return newServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("user service error", attrs...)
}
