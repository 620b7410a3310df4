package notes

import (
	"errors"
	"time"
)

// ChangeKind names the mutation that produced a ChangeEvent.
type ChangeKind string

const (
	// ChangeKindCreated marks a newly created note.
	ChangeKindCreated ChangeKind = "created"
	// ChangeKindUpdated marks an edited note.
	ChangeKindUpdated ChangeKind = "updated"
	// ChangeKindDeleted marks a removed note.
	ChangeKindDeleted ChangeKind = "deleted"
)

var (
	// ErrInvalidContent indicates empty note content.
	ErrInvalidContent = errors.New("notes: content is required")
	// ErrInvalidNoteID indicates a zero or otherwise unusable note identifier.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidAuthor indicates a missing author id or name on create.
	ErrInvalidAuthor = errors.New("notes: author is required")
	// ErrNoteNotFound indicates no note exists with the requested id.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrForbidden indicates the requester is not the note's author.
	ErrForbidden = errors.New("notes: forbidden")
)

// Note is a short text record owned by its author.
// AuthorName is a snapshot of the author's username at creation time.
type Note struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Content    string    `gorm:"column:content;type:text;not null" json:"content"`
	AuthorID   uint64    `gorm:"column:author_id;not null;index:idx_notes_author" json:"authorId"`
	AuthorName string    `gorm:"column:author_name;size:190;not null" json:"authorName"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// ChangeEvent is emitted after every committed mutation.
// Notes holds the full list, in List order, as of the commit.
type ChangeEvent struct {
	Kind       ChangeKind
	Note       Note
	Notes      []Note
	OccurredAt time.Time
}

// ChangeListener receives change events. Listeners run on the mutating goroutine and must not block.
type ChangeListener func(ChangeEvent)
