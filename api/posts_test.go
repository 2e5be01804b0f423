package api

import (
   "context"
   "encoding/json"
   "net/http"
   "net/http/httptest"
   "sync"
   "testing"

   "41.neocities.org/passes"
   "github.com/stretchr/testify/assert"
   "github.com/stretchr/testify/require"
)

// fake_api answers each path with the next page and records request bodies.
type fake_api struct {
   mu     sync.Mutex
   pages  map[string][]string
   bodies map[string][]map[string]any
}

func new_api(t *testing.T) (*fake_api, *Client) {
   f := fake_api{pages: map[string][]string{}, bodies: map[string][]map[string]any{}}
   server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
      var body map[string]any
      json.NewDecoder(r.Body).Decode(&body)
      f.mu.Lock()
      f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
      pages := f.pages[r.URL.Path]
      var page string
      if len(pages) >= 1 {
         page = pages[0]
         f.pages[r.URL.Path] = pages[1:]
      }
      f.mu.Unlock()
      if page == "" {
         http.NotFound(w, r)
         return
      }
      w.Header().Set("content-type", "application/json")
      w.Write([]byte(page))
   }))
   t.Cleanup(server.Close)
   return &f, New(server.URL)
}

func (f *fake_api) requests(path string) []map[string]any {
   f.mu.Lock()
   defer f.mu.Unlock()
   return f.bodies[path]
}

const (
   alice = `{"user": {"userId": "u1", "username": "alice"}}`
   first_page = `{
      "data": [
         {"userId": "u1", "createdAt": "2024-05-03T00:00:00Z", "contents": [
            {"contentId": "a", "contentType": "image"}
         ]},
         {"userId": "u2", "createdAt": "2024-05-02T00:00:00Z", "contents": [
            {"contentId": "b", "contentType": "video"}
         ]}
      ],
      "hasMore": true,
      "createdAt": "2024-05-02T00:00:00Z",
      "lastId": "p2"
   }`
   last_page = `{
      "data": [
         {"userId": "u1", "createdAt": "2023-01-01T00:00:00Z", "contents": [
            {"contentId": "c", "contentType": "image"}
         ]}
      ],
      "hasMore": false
   }`
)

func TestFeedPagination(t *testing.T) {
   api, client := new_api(t)
   api.pages["/profile/get"] = []string{alice}
   api.pages["/feed/profile"] = []string{first_page, last_page}
   identity := passes.NewIdentity(client)
   posts, err := client.Feed(context.Background(), identity, "alice", 0, &passes.PostFilter{})
   require.NoError(t, err)
   require.Len(t, posts, 3)
   assert.Equal(t, "c", posts[2].Contents[0].ContentId)
   requests := api.requests("/feed/profile")
   require.Len(t, requests, 2)
   assert.Equal(t, "u1", requests[0]["creatorId"])
   assert.NotContains(t, requests[0], "lastId")
   assert.Equal(t, "p2", requests[1]["lastId"])
   assert.Equal(t, "2024-05-02T00:00:00Z", requests[1]["createdAt"])
}

func TestFeedLimit(t *testing.T) {
   api, client := new_api(t)
   api.pages["/profile/get"] = []string{alice}
   api.pages["/feed/profile"] = []string{first_page, last_page}
   identity := passes.NewIdentity(client)
   posts, err := client.Feed(context.Background(), identity, "alice", 1, &passes.PostFilter{})
   require.NoError(t, err)
   require.Len(t, posts, 1)
   assert.Len(t, api.requests("/feed/profile"), 1)
}

func TestFeedFilter(t *testing.T) {
   api, client := new_api(t)
   api.pages["/profile/get"] = []string{alice}
   api.pages["/feed/profile"] = []string{first_page, last_page}
   identity := passes.NewIdentity(client)
   var filter passes.PostFilter
   require.NoError(t, filter.Kinds.Set("image"))
   filter.From, _ = passes.ParseTime("2024-01-01")
   posts, err := client.Feed(context.Background(), identity, "alice", 0, &filter)
   require.NoError(t, err)
   require.Len(t, posts, 1)
   assert.Equal(t, "a", posts[0].Contents[0].ContentId)
}

func TestGalleryCreator(t *testing.T) {
   api, client := new_api(t)
   api.pages["/profile/get"] = []string{alice}
   api.pages["/content/purchased/content"] = []string{first_page, last_page}
   identity := passes.NewIdentity(client)
   posts, err := client.Gallery(context.Background(), identity, "alice", 0, &passes.PostFilter{})
   require.NoError(t, err)
   require.Len(t, posts, 2)
   for _, post := range posts {
      assert.Equal(t, "u1", post.UserId)
   }
   api.pages["/content/purchased/content"] = []string{first_page, last_page}
   posts, err = client.Gallery(context.Background(), identity, "", 0, &passes.PostFilter{})
   require.NoError(t, err)
   assert.Len(t, posts, 3)
   assert.Len(t, api.requests("/profile/get"), 1)
}

func TestMessages(t *testing.T) {
   api, client := new_api(t)
   api.pages["/channel/channels"] = []string{
      `{
         "data": [{"channelId": "x", "otherUser": {"username": "bob"}}],
         "hasMore": true, "recentAt": "2024-05-01T00:00:00Z", "lastId": "x"
      }`,
      `{
         "data": [{"channelId": "ch1", "otherUser": {"username": "alice"}}],
         "hasMore": true, "recentAt": "2024-04-01T00:00:00Z", "lastId": "ch1"
      }`,
   }
   api.pages["/messages/messages"] = []string{`{
      "data": [{
         "userId": "u1", "contentId": "m1", "contentType": "image",
         "sentAt": "2024-05-01T10:00:00Z",
         "signedContent": {"signedUrl": "https://cdn.passes.com/m1.png?s=1"}
      }],
      "hasNextPage": false
   }`}
   posts, err := client.Messages(context.Background(), "alice", 0, &passes.PostFilter{})
   require.NoError(t, err)
   require.Len(t, posts, 1)
   assert.Equal(t, "m1", posts[0].Contents[0].ContentId)
   assert.Len(t, api.requests("/channel/channels"), 2)
   messages := api.requests("/messages/messages")
   require.Len(t, messages, 1)
   assert.Equal(t, "ch1", messages[0]["channelId"])
}

func TestMessagesNoChannel(t *testing.T) {
   api, client := new_api(t)
   api.pages["/channel/channels"] = []string{`{"data": [], "hasMore": false}`}
   _, err := client.Messages(context.Background(), "alice", 0, &passes.PostFilter{})
   var missing *ChannelNotFoundError
   require.ErrorAs(t, err, &missing)
   assert.Equal(t, "alice", missing.Username)
}

func TestProfileNotFound(t *testing.T) {
   _, client := new_api(t)
   _, ok, err := client.UserId(context.Background(), "nobody")
   require.NoError(t, err)
   assert.False(t, ok)
   identity := passes.NewIdentity(client)
   _, err = identity.UserId(context.Background(), "nobody")
   var missing *passes.UserNotFoundError
   assert.ErrorAs(t, err, &missing)
}

func TestUsername(t *testing.T) {
   api, client := new_api(t)
   api.pages["/profile/get"] = []string{alice}
   username, ok, err := client.Username(context.Background(), "u1")
   require.NoError(t, err)
   assert.True(t, ok)
   assert.Equal(t, "alice", username)
   assert.Equal(t, "u1", api.requests("/profile/get")[0]["creatorId"])
}

func TestPostFromURL(t *testing.T) {
   api, client := new_api(t)
   api.pages["/post/get"] = []string{`{
      "userId": "u1", "createdAt": "2024-05-03T00:00:00Z",
      "contents": [{"contentId": "a", "contentType": "image"}]
   }`}
   post, err := client.PostFromURL(
      context.Background(), "https://www.passes.com/alice/0a1b2c3d-0000-4000-8000-00000000abcd",
   )
   require.NoError(t, err)
   assert.Equal(t, "u1", post.UserId)
   request := api.requests("/post/get")[0]
   assert.Equal(t, "alice", request["username"])
   assert.Equal(t, "0a1b2c3d-0000-4000-8000-00000000abcd", request["postId"])
}

func TestParsePostURL(t *testing.T) {
   tests := []struct {
      address  string
      username string
      post_id  string
   }{
      {
         "https://www.passes.com/alice/0a1b2c3d-0000-4000-8000-00000000abcd",
         "alice", "0a1b2c3d-0000-4000-8000-00000000abcd",
      },
      {
         "https://www.passes.com/a.b_c/ffffffff-ffff-ffff-ffff-ffffffffffff",
         "a.b_c", "ffffffff-ffff-ffff-ffff-ffffffffffff",
      },
      {"https://www.passes.com/alice", "", ""},
      {"https://passes.com/alice/0a1b2c3d-0000-4000-8000-00000000abcd", "", ""},
      {"https://www.passes.com/alice/0A1B2C3D-0000-4000-8000-00000000ABCD", "", ""},
   }
   for _, test := range tests {
      username, post_id, err := ParsePostURL(test.address)
      if test.username == "" {
         var invalid *InvalidURLError
         assert.ErrorAs(t, err, &invalid, test.address)
         continue
      }
      require.NoError(t, err, test.address)
      assert.Equal(t, test.username, username)
      assert.Equal(t, test.post_id, post_id)
   }
}
