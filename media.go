package passes

import (
   "encoding/json"
   "errors"
   "fmt"
   "regexp"
   "slices"
   "strings"
)

type Kind string

const (
   Image Kind = "image"
   Video Kind = "video"
)

// Kinds is the set of media kinds to keep. The zero value keeps everything.
type Kinds struct {
   Values []Kind
   set    bool
}

func (k *Kinds) Set(input string) error {
   if !k.set {
      k.Values = nil
      k.set = true
   }
   for _, value := range strings.Split(input, ",") {
      value = strings.TrimSpace(value)
      if value == "" {
         return errors.New("empty kind")
      }
      if !slices.Contains(k.Values, Kind(value)) {
         k.Values = append(k.Values, Kind(value))
      }
   }
   return nil
}

func (k *Kinds) String() string {
   var out []byte
   for i, value := range k.Values {
      if i >= 1 {
         out = append(out, ',')
      }
      out = append(out, value...)
   }
   return string(out)
}

func (*Kinds) Type() string {
   return "kinds"
}

// Allow reports whether kind passes the set.
func (k *Kinds) Allow(kind Kind) bool {
   if k == nil || len(k.Values) == 0 {
      return true
   }
   return slices.Contains(k.Values, kind)
}

type ImageType int

const (
   ImageSmall ImageType = iota
   ImageMedium
   ImageLarge
   ImageOriginal
)

var image_types = []struct {
   name string
   key  string
}{
   {"small", "signedUrlSm"},
   {"medium", "signedUrlMd"},
   {"large", "signedUrlLg"},
   {"original", "signedUrlDash"},
}

// Key is the signedContent field holding this rendition.
func (i ImageType) Key() string {
   return image_types[i].key
}

func (i ImageType) String() string {
   return image_types[i].name
}

func (i *ImageType) Set(input string) error {
   for index, value := range image_types {
      if strings.EqualFold(value.name, input) {
         *i = ImageType(index)
         return nil
      }
   }
   return fmt.Errorf("unknown image size %q", input)
}

func (*ImageType) Type() string {
   return "size"
}

type VideoType int

const (
   VideoLarge VideoType = iota
   VideoOriginal
)

var video_types = []struct {
   name string
   key  string
}{
   {"large", "signedUrl"},
   {"original", "signedUrlDash"},
}

func (v VideoType) Key() string {
   return video_types[v].key
}

func (v VideoType) String() string {
   return video_types[v].name
}

func (v *VideoType) Set(input string) error {
   for index, value := range video_types {
      if strings.EqualFold(value.name, input) {
         *v = VideoType(index)
         return nil
      }
   }
   return fmt.Errorf("unknown video size %q", input)
}

func (*VideoType) Type() string {
   return "size"
}

type Content struct {
   UserId        string         `json:"userId"`
   ContentId     string         `json:"contentId"`
   ContentType   Kind           `json:"contentType"`
   Extension     string         `json:"extension"`
   SignedContent map[string]any `json:"signedContent"`
}

func (c *Content) signed(key string) string {
   value, _ := c.SignedContent[key].(string)
   return value
}

// Post is either a single content item or a wrapper around a list of them.
// Both shapes decode to the same value.
type Post struct {
   Contents  []Content
   CreatedAt string
   SentAt    string
   UserId    string
}

func (p *Post) UnmarshalJSON(data []byte) error {
   var value struct {
      Content
      Contents  *[]Content `json:"contents"`
      CreatedAt string     `json:"createdAt"`
      SentAt    string     `json:"sentAt"`
   }
   err := json.Unmarshal(data, &value)
   if err != nil {
      return err
   }
   if value.Contents != nil {
      p.Contents = *value.Contents
   } else {
      p.Contents = []Content{value.Content}
   }
   p.CreatedAt = value.CreatedAt
   p.SentAt = value.SentAt
   p.UserId = value.UserId
   return nil
}

// Media is one downloadable asset of a post.
type Media struct {
   UserId    string
   Url       string
   ContentId string
   Kind      Kind
   Extension string
}

const drm_path = "/drm2/"

func (m *Media) Encrypted() bool {
   return strings.Contains(m.Url, drm_path)
}

func (m *Media) String() string {
   return fmt.Sprintf("%v %v.%v", m.Kind, m.ContentId, m.Extension)
}

type Policy struct {
   Kinds Kinds
   Image ImageType
   Video VideoType
}

func DefaultPolicy() Policy {
   return Policy{Image: ImageOriginal, Video: VideoOriginal}
}

var extension_pattern = regexp.MustCompile(`\.([a-z0-9]+)\?`)

// Resolve returns the media of post the caller is entitled to, in post order.
func Resolve(post *Post, policy *Policy) ([]Media, error) {
   var media []Media
   for _, content := range post.Contents {
      if !policy.Kinds.Allow(content.ContentType) {
         continue
      }
      if content.SignedContent == nil {
         continue
      }
      value := Media{
         UserId:    content.UserId,
         ContentId: content.ContentId,
         Kind:      content.ContentType,
         Extension: content.Extension,
      }
      if content.ContentType == Video {
         value.Url = first(
            content.signed(policy.Video.Key()),
            content.signed(VideoLarge.Key()),
            content.signed("signedUrl"),
         )
         if value.Extension == "" {
            value.Extension = "mp4"
         }
      } else {
         fallback := first(
            content.signed(ImageLarge.Key()), content.signed("signedUrl"),
         )
         if value.Extension == "" {
            match := extension_pattern.FindStringSubmatch(fallback)
            if match == nil {
               return nil, fmt.Errorf("content %v: no extension", content.ContentId)
            }
            value.Extension = match[1]
         }
         value.Url = first(content.signed(policy.Image.Key()), fallback)
      }
      if value.Url == "" {
         return nil, fmt.Errorf("content %v: no signed URL", content.ContentId)
      }
      media = append(media, value)
   }
   return media, nil
}

func first(values ...string) string {
   for _, value := range values {
      if value != "" {
         return value
      }
   }
   return ""
}
