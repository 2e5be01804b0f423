package passes

import (
   "errors"
   "fmt"
   "strings"
   "time"
)

// PostFilter selects posts by kind, entitlement and creation time. A zero To
// has no upper bound.
type PostFilter struct {
   Kinds          Kinds
   AccessibleOnly bool
   From           time.Time
   To             time.Time
}

func (f *PostFilter) Validate() error {
   if !f.To.IsZero() && f.From.After(f.To) {
      return errors.New("from is after to")
   }
   return nil
}

func (f *PostFilter) Match(post *Post) bool {
   if len(f.Kinds.Values) >= 1 {
      var ok bool
      for _, content := range post.Contents {
         if f.Kinds.Allow(content.ContentType) {
            ok = true
            break
         }
      }
      if !ok {
         return false
      }
   }
   if f.AccessibleOnly {
      var ok bool
      for _, content := range post.Contents {
         if content.SignedContent != nil {
            ok = true
            break
         }
      }
      if !ok {
         return false
      }
   }
   stamp, err := post.Time()
   if err != nil {
      return false
   }
   if stamp.Before(f.From) {
      return false
   }
   if !f.To.IsZero() && stamp.After(f.To) {
      return false
   }
   return true
}

// Time is the creation time of a feed post or the send time of a message.
func (p *Post) Time() (time.Time, error) {
   value := p.CreatedAt
   if value == "" {
      value = p.SentAt
   }
   if value == "" {
      return time.Time{}, errors.New("post has no timestamp")
   }
   return ParseTime(value)
}

var time_layouts = []string{
   time.RFC3339Nano,
   "2006-01-02T15:04:05.999999999",
   "2006-01-02 15:04:05",
   time.DateOnly,
}

// ParseTime reads an ISO 8601 timestamp. Values without a zone are UTC.
func ParseTime(value string) (time.Time, error) {
   value = strings.TrimSpace(value)
   for _, layout := range time_layouts {
      stamp, err := time.Parse(layout, value)
      if err == nil {
         return stamp.UTC(), nil
      }
   }
   return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}
