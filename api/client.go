// Package api is a client for the www.passes.com REST API.
package api

import (
   "context"
   "encoding/json"
   "net/http"

   "41.neocities.org/passes"
   "github.com/go-resty/resty/v2"
   "github.com/google/uuid"
   "github.com/rs/zerolog/log"
)

const BaseURL = "https://www.passes.com/api"

// SecurityLevel is the drm-code sent with a license request.
type SecurityLevel uuid.UUID

var (
   SwSecureCrypto = SecurityLevel(uuid.MustParse("8fd9a7ea-73de-49bc-8b9e-ec1e73d325d3"))
   SwSecureDecode = SecurityLevel(uuid.MustParse("d597b3c2-7827-4047-9ee4-c10e49f7bc14"))
   HwSecureCrypto = SecurityLevel(uuid.MustParse("585cc599-8421-49bf-9287-d1e824cceadf"))
   HwSecureDecode = SecurityLevel(uuid.MustParse("61614631-f825-48f5-8497-b9b9c503b6e5"))
   HwSecureAll    = SecurityLevel(uuid.MustParse("debd9c88-9d4d-4e28-937e-79b3d4d6cae2"))
)

func (s SecurityLevel) String() string {
   return uuid.UUID(s).String()
}

// LogRequest is a resty middleware that logs method and URL.
func LogRequest(_ *resty.Client, r *resty.Request) error {
   method := r.Method
   if method == "" {
      method = http.MethodGet
   }
   log.Debug().Str("method", method).Str("url", r.URL).Msg("request")
   return nil
}

type Client struct {
   Level SecurityLevel
   http  *resty.Client
}

// New returns a client for base, or for BaseURL if base is empty.
func New(base string) *Client {
   if base == "" {
      base = BaseURL
   }
   return &Client{
      Level: SwSecureCrypto,
      http: resty.New().
         SetBaseURL(base).
         SetHeader("content-type", "application/json").
         OnBeforeRequest(LogRequest),
   }
}

func (c *Client) SetAccessToken(access_token string) {
   c.http.SetAuthToken(access_token)
}

func status(resp *resty.Response) error {
   return &passes.StatusError{Code: resp.StatusCode(), Status: resp.Status()}
}

// post sends body as JSON and decodes a 2xx response into result.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
   resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
   if err != nil {
      return err
   }
   if resp.IsError() {
      return status(resp)
   }
   return json.Unmarshal(resp.Body(), result)
}

// License sends a Widevine license challenge and returns the license.
func (c *Client) License(ctx context.Context, challenge []byte) ([]byte, error) {
   resp, err := c.http.R().
      SetContext(ctx).
      SetHeader("content-type", "application/octet-stream").
      SetQueryParams(map[string]string{
         "drm-type": "widevine",
         "drm-code": c.Level.String(),
      }).
      SetBody(challenge).
      Post("/content/drm/license-request")
   if err != nil {
      return nil, err
   }
   if resp.IsError() {
      return nil, status(resp)
   }
   return resp.Body(), nil
}
