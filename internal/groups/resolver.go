package groups

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Synthetic group names resolved from the users table instead of stored memberships.
const (
	Everyone = "everyone"
	Present  = "present"
	Absent   = "absent"
)

var (
	// ErrInvalidGroupName indicates a name outside the allowed charset.
	ErrInvalidGroupName = errors.New("groups: invalid group name")
	// ErrReservedGroup indicates an attempt to mutate a synthetic group.
	ErrReservedGroup = errors.New("groups: group name is reserved")

	errMissingDatabase = errors.New("database handle is required")
	groupNamePattern   = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
)

const (
	opNewResolver = "groups.resolver.new"
	opMembers     = "groups.members"
	opIsMember    = "groups.is_member"
	opAdd         = "groups.add"
	opRemove      = "groups.remove"
	opList        = "groups.list"
)

// ServiceError wraps resolver failures with a stable code.
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

// Config describes resolver dependencies.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Resolver maps group names to participants.
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewResolver, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: cfg.Database, logger: logger}, nil
}

// WithTx returns a resolver bound to an open transaction.
func (r *Resolver) WithTx(tx *gorm.DB) *Resolver {
	return &Resolver{db: tx, logger: r.logger}
}

// IsReserved reports whether name is one of the synthetic groups.
func IsReserved(name string) bool {
	switch name {
	case Everyone, Present, Absent:
		return true
	default:
		return false
	}
}

// NormalizeName lower-cases and trims a user supplied group name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName checks that a group name can be stored.
func ValidateName(name string) error {
	if !groupNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGroupName, name)
	}
	if IsReserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedGroup, name)
	}
	return nil
}

// ValidateTarget checks that a name can be used as a poll or broadcast target.
func ValidateTarget(name string) error {
	if IsReserved(name) {
		return nil
	}
	if !groupNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGroupName, name)
	}
	return nil
}

// Members returns the full user records of a group.
func (r *Resolver) Members(ctx context.Context, group string) ([]store.User, error) {
	var users []store.User
	query := r.db.WithContext(ctx).Model(&store.User{})
	switch group {
	case Everyone:
	case Present, Absent:
		query = query.Where("present = ?", group == Present)
	default:
		query = query.
			Joins("INNER JOIN group_members ON group_members.user_id = users.id").
			Where("group_members.group_name = ?", group)
	}
	if err := query.Order("users.id ASC").Find(&users).Error; err != nil {
		r.logError(opMembers, "query_failed", err, zap.String("group", group))
		return nil, newServiceError(opMembers, "query_failed", err)
	}
	return users, nil
}

// MemberIDs returns the user ids of a group.
func (r *Resolver) MemberIDs(ctx context.Context, group string) ([]uint, error) {
	var ids []uint
	var err error
	switch group {
	case Everyone:
		err = r.db.WithContext(ctx).Model(&store.User{}).Order("id ASC").Pluck("id", &ids).Error
	case Present, Absent:
		err = r.db.WithContext(ctx).Model(&store.User{}).
			Where("present = ?", group == Present).
			Order("id ASC").
			Pluck("id", &ids).Error
	default:
		err = r.db.WithContext(ctx).Model(&store.GroupMember{}).
			Where("group_name = ?", group).
			Order("user_id ASC").
			Pluck("user_id", &ids).Error
	}
	if err != nil {
		r.logError(opMembers, "query_failed", err, zap.String("group", group))
		return nil, newServiceError(opMembers, "query_failed", err)
	}
	return ids, nil
}

// IsMember reports whether user belongs to group without materializing the group.
func (r *Resolver) IsMember(ctx context.Context, group string, user store.User) (bool, error) {
	switch group {
	case Everyone:
		return true, nil
	case Present:
		return user.Present, nil
	case Absent:
		return !user.Present, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&store.GroupMember{}).
		Where("group_name = ? AND user_id = ?", group, user.ID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		r.logError(opIsMember, "query_failed", err, zap.String("group", group), zap.Uint("user_id", user.ID))
		return false, newServiceError(opIsMember, "query_failed", err)
	}
	return count > 0, nil
}

// Add inserts memberships, ignoring existing ones. It returns the number of new rows.
func (r *Resolver) Add(ctx context.Context, group string, userIDs ...uint) (int, error) {
	if err := ValidateName(group); err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}
	rows := make([]store.GroupMember, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, store.GroupMember{UserID: id, GroupName: group})
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if result.Error != nil {
		r.logError(opAdd, "insert_failed", result.Error, zap.String("group", group))
		return 0, newServiceError(opAdd, "insert_failed", result.Error)
	}
	return int(result.RowsAffected), nil
}

// Remove deletes memberships. It returns the number of removed rows.
func (r *Resolver) Remove(ctx context.Context, group string, userIDs ...uint) (int, error) {
	if err := ValidateName(group); err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("group_name = ? AND user_id IN ?", group, userIDs).
		Delete(&store.GroupMember{})
	if result.Error != nil {
		r.logError(opRemove, "delete_failed", result.Error, zap.String("group", group))
		return 0, newServiceError(opRemove, "delete_failed", result.Error)
	}
	return int(result.RowsAffected), nil
}

// GroupSize is a stored group and its member count.
type GroupSize struct {
	Name    string
	Members int
}

// List returns every stored group with its size, ordered by name.
func (r *Resolver) List(ctx context.Context) ([]GroupSize, error) {
	var rows []struct {
		GroupName string
		Members   int
	}
	err := r.db.WithContext(ctx).Model(&store.GroupMember{}).
		Select("group_name, COUNT(*) AS members").
		Group("group_name").
		Order("group_name ASC").
		Scan(&rows).Error
	if err != nil {
		r.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	sizes := make([]GroupSize, 0, len(rows))
	for _, row := range rows {
		sizes = append(sizes, GroupSize{Name: row.GroupName, Members: row.Members})
	}
	return sizes, nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("groups resolver error", attrs...)
}
