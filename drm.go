package passes

import (
   "bytes"
   "context"
   "encoding/hex"
   "errors"
   "fmt"
   "os"
   "sync"

   "41.neocities.org/widevine"
   "github.com/go-resty/resty/v2"
   "github.com/hashicorp/golang-lru/v2"
   "github.com/rs/zerolog/log"
   "golang.org/x/sync/singleflight"
)

type ContentKey struct {
   KeyId []byte
   Key   []byte
}

// String is the raw key argument of shaka packager.
func (c *ContentKey) String() string {
   return fmt.Sprintf("key_id=%x:key=%x", c.KeyId, c.Key)
}

// well known public test stream
var (
   default_header = ProtectionHeader{
      SystemId: [16]byte(must_hex(widevine_system_id)),
      KeyIds:   [][16]byte{[16]byte(must_hex("eb676abbcb345e96bbcf616630f1a3da"))},
   }
   default_key = ContentKey{
      KeyId: must_hex("eb676abbcb345e96bbcf616630f1a3da"),
      Key:   must_hex("100b6c20940f779a4589152b57d2dacb"),
   }
)

func must_hex(s string) []byte {
   data, err := hex.DecodeString(s)
   if err != nil {
      panic(err)
   }
   return data
}

// Cdm turns a protection header into content keys. send delivers the
// license challenge and returns the license.
type Cdm interface {
   Keys(header *ProtectionHeader, send func([]byte) ([]byte, error)) ([]ContentKey, error)
}

// Device is a Widevine client identity read from disk. License requests are
// sent in privacy mode: the client identification is encrypted to the service
// certificate at ServiceCertificate, or to the one the license server returns
// when that path is empty.
type Device struct {
   ClientId           string
   PrivateKey         string
   ServiceCertificate string
   mu                 sync.Mutex
   certificate        *ServiceCertificate
   requested          bool
}

// service_certificate returns nil without error if the license server did
// not provide a usable certificate.
func (d *Device) service_certificate(
   send func([]byte) ([]byte, error),
) (*ServiceCertificate, error) {
   d.mu.Lock()
   defer d.mu.Unlock()
   if d.certificate != nil || d.requested {
      return d.certificate, nil
   }
   if d.ServiceCertificate != "" {
      data, err := os.ReadFile(d.ServiceCertificate)
      if err != nil {
         return nil, err
      }
      d.certificate, err = ParseServiceCertificate(data)
      if err != nil {
         return nil, err
      }
      return d.certificate, nil
   }
   d.requested = true
   data, err := send(certificate_request)
   if err == nil {
      d.certificate, err = ParseServiceCertificate(data)
   }
   if err != nil {
      log.Warn().Err(err).Msg("service certificate")
   }
   return d.certificate, nil
}

func (d *Device) Keys(
   header *ProtectionHeader, send func([]byte) ([]byte, error),
) ([]ContentKey, error) {
   if d.ClientId == "" || d.PrivateKey == "" {
      return nil, errors.New("widevine requires ClientId and PrivateKey paths")
   }
   client_id, err := os.ReadFile(d.ClientId)
   if err != nil {
      return nil, err
   }
   pem_bytes, err := os.ReadFile(d.PrivateKey)
   if err != nil {
      return nil, err
   }
   var pssh widevine.PsshData
   pssh.ContentId = header.ContentId
   for _, key_id := range header.KeyIds {
      pssh.KeyIds = append(pssh.KeyIds, key_id[:])
   }
   req_bytes, err := pssh.BuildLicenseRequest(client_id)
   if err != nil {
      return nil, err
   }
   certificate, err := d.service_certificate(send)
   if err != nil {
      return nil, err
   }
   if certificate != nil {
      req_bytes, err = certificate.EncryptClientId(req_bytes)
      if err != nil {
         return nil, err
      }
   }
   private_key, err := widevine.ParsePrivateKey(pem_bytes)
   if err != nil {
      return nil, err
   }
   signed_bytes, err := widevine.BuildSignedMessage(req_bytes, private_key)
   if err != nil {
      return nil, err
   }
   resp_bytes, err := send(signed_bytes)
   if err != nil {
      return nil, err
   }
   keys, err := widevine.ParseLicenseResponse(resp_bytes, req_bytes, private_key)
   if err != nil {
      return nil, err
   }
   var zero [16]byte
   var content_keys []ContentKey
   for _, key_id := range pssh.KeyIds {
      key, ok := widevine.GetKey(keys, key_id)
      if !ok || bytes.Equal(key, zero[:]) {
         continue
      }
      content_keys = append(content_keys, ContentKey{KeyId: key_id, Key: key})
   }
   return content_keys, nil
}

const cache_size = 1024

// Widevine resolves manifests to protection headers and headers to content
// keys. Both lookups are memoized and at most one fetch per key is in flight.
type Widevine struct {
   Client  *resty.Client
   Cdm     Cdm
   Send    func(context.Context, []byte) ([]byte, error)
   headers *lru.Cache[string, *ProtectionHeader]
   keys    *lru.Cache[string, *ContentKey]
   group   singleflight.Group
}

func NewWidevine(
   client *resty.Client, cdm Cdm, send func(context.Context, []byte) ([]byte, error),
) *Widevine {
   w := Widevine{Client: client, Cdm: cdm, Send: send}
   w.headers, _ = lru.New[string, *ProtectionHeader](cache_size)
   w.keys, _ = lru.New[string, *ContentKey](cache_size)
   return &w
}

// ProtectionHeader returns nil without error if the manifest declares no
// Widevine header.
func (w *Widevine) ProtectionHeader(ctx context.Context, mpd_url string) (*ProtectionHeader, error) {
   if header, ok := w.headers.Get(mpd_url); ok {
      return header, nil
   }
   value, err, _ := w.group.Do("mpd "+mpd_url, func() (any, error) {
      if header, ok := w.headers.Get(mpd_url); ok {
         return header, nil
      }
      resp, err := w.Client.R().SetContext(ctx).Get(mpd_url)
      if err != nil {
         return nil, err
      }
      if resp.IsError() {
         return nil, &StatusError{Code: resp.StatusCode(), Status: resp.Status()}
      }
      header, err := ParseManifest(resp.Body())
      if err != nil {
         return nil, err
      }
      if header != nil {
         log.Debug().Stringer("pssh", header).Msg("MPD PSSH")
      }
      w.headers.Add(mpd_url, header)
      return header, nil
   })
   if err != nil {
      return nil, err
   }
   return value.(*ProtectionHeader), nil
}

// ContentKey returns nil without error if no key was issued for header.
func (w *Widevine) ContentKey(ctx context.Context, header *ProtectionHeader) (*ContentKey, error) {
   name := header.Key()
   if name == default_header.Key() {
      log.Info().Stringer("key", &default_key).Msg("default key")
      return &default_key, nil
   }
   if key, ok := w.keys.Get(name); ok {
      return key, nil
   }
   value, err, _ := w.group.Do("key "+name, func() (any, error) {
      if key, ok := w.keys.Get(name); ok {
         return key, nil
      }
      if w.Cdm == nil {
         log.Warn().Stringer("pssh", header).Msg("no widevine device")
         return (*ContentKey)(nil), nil
      }
      if w.Send == nil {
         return nil, errors.New("Widevine.Send function is not set")
      }
      keys, err := w.Cdm.Keys(header, func(data []byte) ([]byte, error) {
         return w.Send(ctx, data)
      })
      if err != nil {
         return nil, err
      }
      var key *ContentKey
      if len(keys) >= 1 {
         key = &keys[0]
         log.Info().Stringer("key", key).Msg("key")
      }
      w.keys.Add(name, key)
      return key, nil
   })
   if err != nil {
      return nil, err
   }
   return value.(*ContentKey), nil
}
