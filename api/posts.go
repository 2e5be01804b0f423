package api

import (
   "context"
   "encoding/json"
   "errors"
   "net/http"
   "regexp"

   "41.neocities.org/passes"
   "github.com/rs/zerolog/log"
)

type profile struct {
   User struct {
      UserId   string `json:"userId"`
      Username string `json:"username"`
   } `json:"user"`
}

func (c *Client) profile(ctx context.Context, body map[string]string) (*profile, bool, error) {
   var value profile
   err := c.post(ctx, "/profile/get", body, &value)
   if err != nil {
      var status *passes.StatusError
      if errors.As(err, &status) && status.Code == http.StatusNotFound {
         return nil, false, nil
      }
      return nil, false, err
   }
   return &value, true, nil
}

func (c *Client) UserId(ctx context.Context, username string) (string, bool, error) {
   value, ok, err := c.profile(ctx, map[string]string{"username": username})
   if !ok {
      return "", false, err
   }
   return value.User.UserId, true, nil
}

func (c *Client) Username(ctx context.Context, user_id string) (string, bool, error) {
   value, ok, err := c.profile(ctx, map[string]string{"creatorId": user_id})
   if !ok {
      return "", false, err
   }
   return value.User.Username, true, nil
}

// pager walks a cursor paginated listing. The cursor fields of each response
// are sent back unchanged with the next request.
type pager struct {
   path   string
   body   map[string]any
   cursor []string
   more   string
}

func (c *Client) paginate(
   ctx context.Context, p pager, visit func(data json.RawMessage) (bool, error),
) error {
   for {
      var page map[string]json.RawMessage
      err := c.post(ctx, p.path, p.body, &page)
      if err != nil {
         return err
      }
      stop, err := visit(page["data"])
      if err != nil {
         return err
      }
      if stop {
         return nil
      }
      var more bool
      if data, ok := page[p.more]; ok {
         err = json.Unmarshal(data, &more)
         if err != nil {
            return err
         }
      }
      if !more {
         return nil
      }
      for _, key := range p.cursor {
         p.body[key] = page[key]
      }
   }
}

// posts collects the posts of a listing that pass keep, stopping at limit
// when limit is positive.
func (c *Client) posts(
   ctx context.Context, p pager, limit int, keep func(*passes.Post) bool,
) ([]passes.Post, error) {
   var posts []passes.Post
   err := c.paginate(ctx, p, func(data json.RawMessage) (bool, error) {
      var page []passes.Post
      if data != nil {
         err := json.Unmarshal(data, &page)
         if err != nil {
            return false, err
         }
      }
      for _, post := range page {
         if !keep(&post) {
            continue
         }
         posts = append(posts, post)
         if limit >= 1 && len(posts) >= limit {
            return true, nil
         }
      }
      return false, nil
   })
   if err != nil {
      return nil, err
   }
   return posts, nil
}

// ChannelId finds the message channel shared with username.
func (c *Client) ChannelId(ctx context.Context, username string) (string, bool, error) {
   var channel_id string
   err := c.paginate(ctx, pager{
      path:   "/channel/channels",
      body:   map[string]any{"orderType": "recent", "order": "desc"},
      cursor: []string{"recentAt", "lastId"},
      more:   "hasMore",
   }, func(data json.RawMessage) (bool, error) {
      var page []struct {
         ChannelId string `json:"channelId"`
         OtherUser struct {
            Username string `json:"username"`
         } `json:"otherUser"`
      }
      if data != nil {
         err := json.Unmarshal(data, &page)
         if err != nil {
            return false, err
         }
      }
      for _, channel := range page {
         if channel.OtherUser.Username == username {
            channel_id = channel.ChannelId
            return true, nil
         }
      }
      return false, nil
   })
   if err != nil {
      return "", false, err
   }
   if channel_id == "" {
      return "", false, nil
   }
   log.Info().Str("username", username).Str("channel_id", channel_id).Msg("message channel")
   return channel_id, true, nil
}

func (c *Client) Feed(
   ctx context.Context, identity *passes.Identity, username string, limit int,
   filter *passes.PostFilter,
) ([]passes.Post, error) {
   user_id, err := identity.UserId(ctx, username)
   if err != nil {
      return nil, err
   }
   return c.posts(ctx, pager{
      path:   "/feed/profile",
      body:   map[string]any{"creatorId": user_id},
      cursor: []string{"createdAt", "lastId"},
      more:   "hasMore",
   }, limit, filter.Match)
}

// Gallery lists purchased content, only that of username if it is not empty.
func (c *Client) Gallery(
   ctx context.Context, identity *passes.Identity, username string, limit int,
   filter *passes.PostFilter,
) ([]passes.Post, error) {
   var user_id string
   if username != "" {
      var err error
      user_id, err = identity.UserId(ctx, username)
      if err != nil {
         return nil, err
      }
   }
   return c.posts(ctx, pager{
      path:   "/content/purchased/content",
      body:   map[string]any{"search": "", "order": "desc"},
      cursor: []string{"createdAt", "lastId"},
      more:   "hasMore",
   }, limit, func(post *passes.Post) bool {
      if user_id != "" && post.UserId != user_id {
         return false
      }
      return filter.Match(post)
   })
}

func (c *Client) Messages(
   ctx context.Context, username string, limit int, filter *passes.PostFilter,
) ([]passes.Post, error) {
   channel_id, ok, err := c.ChannelId(ctx, username)
   if err != nil {
      return nil, err
   }
   if !ok {
      return nil, &ChannelNotFoundError{Username: username}
   }
   return c.posts(ctx, pager{
      path: "/messages/messages",
      body: map[string]any{
         "channelId":   channel_id,
         "contentOnly": false,
         "pending":     false,
      },
      cursor: []string{"lastSentAt", "lastId"},
      more:   "hasNextPage",
   }, limit, filter.Match)
}

func (c *Client) Post(ctx context.Context, username, post_id string) (*passes.Post, error) {
   var post passes.Post
   err := c.post(ctx, "/post/get", map[string]string{
      "username": username, "postId": post_id,
   }, &post)
   if err != nil {
      return nil, err
   }
   return &post, nil
}

var post_url = regexp.MustCompile(
   `^https://www\.passes\.com/([a-zA-Z0-9_.]+)/([a-f0-9]{8}-([a-f0-9]{4}-){3}[a-f0-9]{12})$`,
)

// ParsePostURL returns the username and post ID of a post URL.
func ParsePostURL(address string) (string, string, error) {
   match := post_url.FindStringSubmatch(address)
   if match == nil {
      return "", "", &InvalidURLError{URL: address}
   }
   return match[1], match[2], nil
}

func (c *Client) PostFromURL(ctx context.Context, address string) (*passes.Post, error) {
   username, post_id, err := ParsePostURL(address)
   if err != nil {
      return nil, err
   }
   return c.Post(ctx, username, post_id)
}
