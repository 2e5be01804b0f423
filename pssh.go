package passes

import (
   "bytes"
   "encoding/base64"
   "encoding/hex"
   "errors"
   "fmt"
   "strings"

   "41.neocities.org/dash"
   "github.com/Eyevinn/mp4ff/mp4"
   "google.golang.org/protobuf/encoding/protowire"
)

const widevine_system_id = "edef8ba979d64acea3c827dcd51d21ed"

// ProtectionHeader is a decoded PSSH box. Two headers are the same header when
// Key returns the same string, whatever manifest they came from.
type ProtectionHeader struct {
   Version   uint8
   Flags     uint32
   SystemId  [16]byte
   KeyIds    [][16]byte
   ContentId []byte
   Data      []byte
}

func (p *ProtectionHeader) Key() string {
   var b strings.Builder
   fmt.Fprintf(&b, "%d:%d:%x", p.Version, p.Flags, p.SystemId)
   for _, key_id := range p.KeyIds {
      fmt.Fprintf(&b, ":%x", key_id)
   }
   return b.String()
}

func (p *ProtectionHeader) Widevine() bool {
   return hex.EncodeToString(p.SystemId[:]) == widevine_system_id
}

func (p *ProtectionHeader) String() string {
   var b strings.Builder
   fmt.Fprintf(&b, "system %x", p.SystemId)
   for _, key_id := range p.KeyIds {
      fmt.Fprintf(&b, " key_id %x", key_id)
   }
   if p.ContentId != nil {
      fmt.Fprintf(&b, " content_id %x", p.ContentId)
   }
   return b.String()
}

// ParseProtectionHeader decodes a complete PSSH box.
func ParseProtectionHeader(data []byte) (*ProtectionHeader, error) {
   box, err := mp4.DecodeBox(0, bytes.NewReader(data))
   if err != nil {
      return nil, err
   }
   pssh, ok := box.(*mp4.PsshBox)
   if !ok {
      return nil, fmt.Errorf("not a pssh box: %v", box.Type())
   }
   var header ProtectionHeader
   header.Version = pssh.Version
   header.Flags = pssh.Flags
   if len(pssh.SystemID) != 16 {
      return nil, errors.New("invalid system ID")
   }
   copy(header.SystemId[:], pssh.SystemID[:])
   for _, kid := range pssh.KIDs {
      var key_id [16]byte
      copy(key_id[:], kid[:])
      header.KeyIds = append(header.KeyIds, key_id)
   }
   header.Data = pssh.Data
   if header.Widevine() {
      err = header.unmarshal_widevine()
      if err != nil {
         return nil, err
      }
   }
   return &header, nil
}

// unmarshal_widevine reads key_id (2) and content_id (4) from the Widevine
// PSSH data. Box level KIDs take precedence over the ones in the data.
func (p *ProtectionHeader) unmarshal_widevine() error {
   data := p.Data
   var key_ids [][16]byte
   for len(data) >= 1 {
      num, typ, n := protowire.ConsumeTag(data)
      if n < 0 {
         return protowire.ParseError(n)
      }
      data = data[n:]
      if typ == protowire.BytesType && (num == 2 || num == 4) {
         value, n := protowire.ConsumeBytes(data)
         if n < 0 {
            return protowire.ParseError(n)
         }
         data = data[n:]
         if num == 4 {
            p.ContentId = value
         } else if len(value) == 16 {
            key_ids = append(key_ids, [16]byte(value))
         }
         continue
      }
      n = protowire.ConsumeFieldValue(num, typ, data)
      if n < 0 {
         return protowire.ParseError(n)
      }
      data = data[n:]
   }
   if p.KeyIds == nil {
      p.KeyIds = key_ids
   }
   return nil
}

// ParseManifest returns the first Widevine header declared by a
// representation of an MPD or by its adaptation set, or nil if there is none.
func ParseManifest(data []byte) (*ProtectionHeader, error) {
   mpd, err := dash.Parse(data)
   if err != nil {
      return nil, err
   }
   for _, group := range mpd.GetRepresentations() {
      for _, represent := range group {
         protections := represent.ContentProtection
         if represent.Parent != nil {
            protections = append(protections, represent.Parent.ContentProtection...)
         }
         for _, protect := range protections {
            text := strings.TrimSpace(protect.Pssh)
            if text == "" {
               continue
            }
            data, err := base64.StdEncoding.DecodeString(text)
            if err != nil {
               return nil, err
            }
            header, err := ParseProtectionHeader(data)
            if err != nil {
               return nil, err
            }
            if header.Widevine() {
               return header, nil
            }
         }
      }
   }
   return nil, nil
}
