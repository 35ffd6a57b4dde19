// Package blog holds the sample domain recordctl manages: blogs with posts,
// comments and tags.
package blog

import (
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/recordkit/pkg/record"
)

// Blog owns posts.
type Blog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:128;not null;uniqueIndex" json:"name"`
	Author    string    `gorm:"size:128" json:"author"`
	Posts     []Post    `json:"posts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Post is a soft-deletable entry of a blog.
type Post struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BlogID    int64          `gorm:"index;not null" json:"blog_id"`
	Blog      *Blog          `gorm:"-" json:"-"`
	Title     string         `gorm:"size:256;not null" json:"title"`
	Body      string         `gorm:"type:text" json:"body"`
	Published bool           `gorm:"default:false" json:"published"`
	Tags      []Tag          `gorm:"many2many:post_tags" json:"tags,omitempty"`
	Comments  []Comment      `json:"comments,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate takes BlogID from Blog when the blog was still unsaved as
// the post was built.
func (p *Post) BeforeCreate(*gorm.DB) error {
	if p.Blog != nil && p.BlogID == 0 {
		p.BlogID = p.Blog.ID
	}
	return nil
}

// Comment belongs to a post.
type Comment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"index;not null" json:"post_id"`
	Author    string    `gorm:"size:128" json:"author"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag labels posts.
type Tag struct {
	ID   int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"size:64;not null;uniqueIndex" json:"name"`
}

// Models lists the sample models in creation order.
func Models() []any {
	return []any{&Blog{}, &Tag{}, &Post{}, &Comment{}}
}

// Register binds the sample models to the data source key of e.
func Register(e *record.Engine, key string) error {
	return e.Register(key, Models()...)
}
