package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidInput indicates a missing username or password.
	ErrInvalidInput = errors.New("users: username and password are required")
	// ErrUsernameTaken indicates a registration for an existing username.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrInvalidCredentials is returned for unknown usernames and wrong passwords alike.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates a lookup miss.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingHasher   = errors.New("password hasher is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew    = "users.service.new"
	opRegister      = "users.register"
	opAuthenticate  = "users.authenticate"
	opFindByID      = "users.find_by_id"
	opFindByName    = "users.find_by_username"
	queryByUsername = "username = ?"
)

// ServiceError carries a stable operation/reason code alongside the cause.
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
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the credential store.
type ServiceConfig struct {
	Database *gorm.DB
	Hasher   PasswordHasher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the credential store: it owns the users table.
type Service struct {
	db     *gorm.DB
	hasher PasswordHasher
	clock  func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// NewService constructs the credential store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		hasher: cfg.Hasher,
		clock:  clock,
		logger: logger,
	}, nil
}

// Register creates a user with a freshly hashed password and returns the stored record.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opRegister, "missing_database", errMissingDatabase)
	}
	if username == "" || password == "" {
		return User{}, newServiceError(opRegister, "invalid_input", ErrInvalidInput)
	}

	// Reject known names before paying for bcrypt; the check is repeated under the lock.
	if _, err := s.findByUsername(ctx, username); err == nil {
		return User{}, newServiceError(opRegister, "username_taken", ErrUsernameTaken)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRegister, "lookup_failed", err)
		return User{}, newServiceError(opRegister, "lookup_failed", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooLong) {
			return User{}, newServiceError(opRegister, "password_too_long", fmt.Errorf("%w: %w", ErrInvalidInput, err))
		}
		s.logError(opRegister, "hash_failed", err)
		return User{}, newServiceError(opRegister, "hash_failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.findByUsername(ctx, username); err == nil {
		return User{}, newServiceError(opRegister, "username_taken", ErrUsernameTaken)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRegister, "lookup_failed", err)
		return User{}, newServiceError(opRegister, "lookup_failed", err)
	}

	user := User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		s.logError(opRegister, "insert_failed", err)
		return User{}, newServiceError(opRegister, "insert_failed", err)
	}

	s.logger.Info("user registered", zap.Uint64("user_id", user.ID))
	return user, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong passwords are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opAuthenticate, "missing_database", errMissingDatabase)
	}
	if username == "" || password == "" {
		return User{}, newServiceError(opAuthenticate, "invalid_input", ErrInvalidInput)
	}

	user, err := s.findByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opAuthenticate, "invalid_credentials", ErrInvalidCredentials)
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return User{}, newServiceError(opAuthenticate, "lookup_failed", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return User{}, newServiceError(opAuthenticate, "invalid_credentials", ErrInvalidCredentials)
	}
	return user, nil
}

// FindByUsername returns the user with the exact username.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opFindByName, "missing_database", errMissingDatabase)
	}
	user, err := s.findByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opFindByName, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opFindByName, "query_failed", err)
		return User{}, newServiceError(opFindByName, "query_failed", err)
	}
	return user, nil
}

// FindByID returns the user with the given id.
func (s *Service) FindByID(ctx context.Context, id uint64) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opFindByID, "missing_database", errMissingDatabase)
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opFindByID, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opFindByID, "query_failed", err, zap.Uint64("user_id", id))
		return User{}, newServiceError(opFindByID, "query_failed", err)
	}
	return user, nil
}

func (s *Service) findByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where(queryByUsername, username).Take(&user).Error
	return user, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	logger.Error("users service error", attrs...)
}
