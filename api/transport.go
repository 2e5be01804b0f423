package api

import (
   "net/http"
   "net/url"

   "github.com/rs/zerolog/log"
)

// Transport returns an HTTP transport that sends requests through the URL
// returned by proxy. A nil proxy or a nil URL means a direct connection.
func Transport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
   return &http.Transport{
      Protocols: &http.Protocols{}, // github.com/golang/go/issues/25793
      Proxy: func(req *http.Request) (*url.URL, error) {
         if proxy == nil {
            return nil, nil
         }
         address, err := proxy(req)
         if err != nil {
            return nil, err
         }
         if address != nil {
            log.Debug().Str("proxy", address.Host).Str("url", req.URL.String()).Msg("proxy")
         }
         return address, nil
      },
   }
}

func (c *Client) SetTransport(transport http.RoundTripper) {
   c.http.SetTransport(transport)
}
