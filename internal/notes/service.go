package notes

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
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

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

const (
	opServiceNew = "notes.service.new"
	opListNotes  = "notes.list"
	opCreateNote = "notes.create"
	opUpdateNote = "notes.update"
	opDeleteNote = "notes.delete"
	opEmitChange = "notes.emit_change"

	reasonMissingDatabase = "missing_database"
	reasonInvalidContent  = "invalid_content"
	reasonInvalidNoteID   = "invalid_note_id"
	reasonInvalidAuthor   = "invalid_author"
	reasonNotFound        = "not_found"
	reasonForbidden       = "forbidden"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonSnapshotFailed  = "snapshot_failed"

	orderCreation = "id ASC"
	queryNoteID   = "id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the note store. Mutations are serialized so that change events
// are emitted in commit order and each carries the list as of its commit.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
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
		clock:  clock,
		logger: logger,
	}, nil
}

// Subscribe registers a listener for change events emitted after committed mutations.
func (s *Service) Subscribe(listener ChangeListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// List returns every note in creation order.
func (s *Service) List(ctx context.Context) ([]Note, error) {
	if s.db == nil {
		s.logError(opListNotes, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListNotes, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	notes, err := s.listLocked(ctx)
	if err != nil {
		s.logError(opListNotes, reasonQueryFailed, err)
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}
	return notes, nil
}

// Create stores a new note authored by authorID.
func (s *Service) Create(ctx context.Context, authorID uint64, authorName, content string) (Note, error) {
	if s.db == nil {
		s.logError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
	}
	if content == "" {
		return Note{}, newServiceError(opCreateNote, reasonInvalidContent, ErrInvalidContent)
	}
	if authorID == 0 || authorName == "" {
		return Note{}, newServiceError(opCreateNote, reasonInvalidAuthor, ErrInvalidAuthor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	note := Note{
		Content:    content,
		AuthorID:   authorID,
		AuthorName: authorName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, reasonInsertFailed, err, zap.Uint64("author_id", authorID))
		return Note{}, newServiceError(opCreateNote, reasonInsertFailed, err)
	}

	s.emitLocked(ctx, ChangeKindCreated, note)
	return note, nil
}

// Update replaces the content of a note owned by requesterID.
func (s *Service) Update(ctx context.Context, noteID, requesterID uint64, content string) (Note, error) {
	if s.db == nil {
		s.logError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
	}
	if noteID == 0 {
		return Note{}, newServiceError(opUpdateNote, reasonInvalidNoteID, ErrInvalidNoteID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	note, err := s.ownedNoteLocked(ctx, opUpdateNote, noteID, requesterID)
	if err != nil {
		return Note{}, err
	}
	if content == "" {
		return Note{}, newServiceError(opUpdateNote, reasonInvalidContent, ErrInvalidContent)
	}

	updatedAt := s.now()
	if !updatedAt.After(note.UpdatedAt) {
		updatedAt = note.UpdatedAt.Add(timestampPrecision)
	}
	err = s.db.WithContext(ctx).
		Model(&Note{}).
		Where(queryNoteID, noteID).
		Updates(map[string]interface{}{
			"content":    content,
			"updated_at": updatedAt,
		}).Error
	if err != nil {
		s.logError(opUpdateNote, reasonUpdateFailed, err, zap.Uint64("note_id", noteID))
		return Note{}, newServiceError(opUpdateNote, reasonUpdateFailed, err)
	}
	note.Content = content
	note.UpdatedAt = updatedAt

	s.emitLocked(ctx, ChangeKindUpdated, note)
	return note, nil
}

// Delete removes a note owned by requesterID and returns it.
func (s *Service) Delete(ctx context.Context, noteID, requesterID uint64) (Note, error) {
	if s.db == nil {
		s.logError(opDeleteNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opDeleteNote, reasonMissingDatabase, errMissingDatabase)
	}
	if noteID == 0 {
		return Note{}, newServiceError(opDeleteNote, reasonInvalidNoteID, ErrInvalidNoteID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	note, err := s.ownedNoteLocked(ctx, opDeleteNote, noteID, requesterID)
	if err != nil {
		return Note{}, err
	}
	if err := s.db.WithContext(ctx).Where(queryNoteID, noteID).Delete(&Note{}).Error; err != nil {
		s.logError(opDeleteNote, reasonDeleteFailed, err, zap.Uint64("note_id", noteID))
		return Note{}, newServiceError(opDeleteNote, reasonDeleteFailed, err)
	}

	s.emitLocked(ctx, ChangeKindDeleted, note)
	return note, nil
}

// timestampPrecision matches the millisecond resolution of ISO-8601 timestamps served to clients.
const timestampPrecision = time.Millisecond

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(timestampPrecision)
}

func (s *Service) ownedNoteLocked(ctx context.Context, operation string, noteID, requesterID uint64) (Note, error) {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(operation, reasonNotFound, ErrNoteNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.Uint64("note_id", noteID))
		return Note{}, newServiceError(operation, reasonQueryFailed, err)
	}
	if note.AuthorID != requesterID {
		return Note{}, newServiceError(operation, reasonForbidden, ErrForbidden)
	}
	return note, nil
}

func (s *Service) listLocked(ctx context.Context) ([]Note, error) {
	notes := make([]Note, 0)
	if err := s.db.WithContext(ctx).Order(orderCreation).Find(&notes).Error; err != nil {
		return nil, err
	}
	return notes, nil
}

// emitLocked notifies listeners of a committed mutation. A failure to build the
// snapshot is logged and skips the broadcast; the mutation itself stands.
func (s *Service) emitLocked(ctx context.Context, kind ChangeKind, note Note) {
	if len(s.listeners) == 0 {
		return
	}
	snapshot, err := s.listLocked(context.WithoutCancel(ctx))
	if err != nil {
		s.logError(opEmitChange, reasonSnapshotFailed, err,
			zap.String("kind", string(kind)),
			zap.Uint64("note_id", note.ID))
		return
	}
	event := ChangeEvent{
		Kind:       kind,
		Note:       note,
		Notes:      snapshot,
		OccurredAt: s.clock().UTC(),
	}
	for _, listener := range s.listeners {
		s.notify(listener, event)
	}
}

func (s *Service) notify(listener ChangeListener, event ChangeEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.loggerOrDefault().Error("notes change listener panicked",
				zap.String("kind", string(event.Kind)),
				zap.Uint64("note_id", event.Note.ID),
				zap.Any("panic", recovered))
		}
	}()
	listener(event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("notes service error", attrs...)
}
