package passes

import (
   "bytes"
   "crypto/aes"
   "crypto/cipher"
   "crypto/rand"
   "crypto/rsa"
   "crypto/sha1"
   "crypto/x509"
   "errors"
   "fmt"

   "google.golang.org/protobuf/encoding/protowire"
)

// certificate_request is a SignedMessage of type SERVICE_CERTIFICATE_REQUEST.
// License servers answer it with their service certificate.
var certificate_request = []byte{0x08, 0x04}

const service_certificate_type = 5

// ServiceCertificate is the public identity of a license server. License
// requests made with one carry the client identification encrypted to it.
type ServiceCertificate struct {
   ProviderId   string
   SerialNumber []byte
   PublicKey    *rsa.PublicKey
}

type proto_field struct {
   num    protowire.Number
   typ    protowire.Type
   varint uint64
   bytes  []byte
   raw    []byte
}

func consume_fields(data []byte) ([]proto_field, error) {
   var fields []proto_field
   for len(data) >= 1 {
      num, typ, n := protowire.ConsumeTag(data)
      if n < 0 {
         return nil, protowire.ParseError(n)
      }
      m := protowire.ConsumeFieldValue(num, typ, data[n:])
      if m < 0 {
         return nil, protowire.ParseError(m)
      }
      field := proto_field{num: num, typ: typ, raw: data[:n+m]}
      switch typ {
      case protowire.VarintType:
         field.varint, _ = protowire.ConsumeVarint(data[n:])
      case protowire.BytesType:
         field.bytes, _ = protowire.ConsumeBytes(data[n:])
      }
      fields = append(fields, field)
      data = data[n+m:]
   }
   return fields, nil
}

func find_bytes(fields []proto_field, num protowire.Number) []byte {
   for _, field := range fields {
      if field.num == num && field.typ == protowire.BytesType {
         return field.bytes
      }
   }
   return nil
}

// ParseServiceCertificate accepts either a SignedDrmCertificate or the
// SignedMessage a license server returns for certificate_request.
func ParseServiceCertificate(data []byte) (*ServiceCertificate, error) {
   fields, err := consume_fields(data)
   if err != nil {
      return nil, err
   }
   for _, field := range fields {
      if field.num == 1 && field.typ == protowire.VarintType {
         if field.varint != service_certificate_type {
            return nil, fmt.Errorf("signed message type %v", field.varint)
         }
         fields, err = consume_fields(find_bytes(fields, 2))
         if err != nil {
            return nil, err
         }
         break
      }
   }
   drm_certificate := find_bytes(fields, 1)
   if drm_certificate == nil {
      return nil, errors.New("service certificate is missing drm_certificate")
   }
   fields, err = consume_fields(drm_certificate)
   if err != nil {
      return nil, err
   }
   var certificate ServiceCertificate
   certificate.SerialNumber = find_bytes(fields, 2)
   certificate.ProviderId = string(find_bytes(fields, 7))
   public_key := find_bytes(fields, 4)
   if public_key == nil {
      return nil, errors.New("service certificate is missing public_key")
   }
   certificate.PublicKey, err = x509.ParsePKCS1PublicKey(public_key)
   if err != nil {
      return nil, err
   }
   return &certificate, nil
}

// EncryptClientId rewrites a serialized LicenseRequest so the client_id (1)
// is replaced by encrypted_client_id (8).
func (s *ServiceCertificate) EncryptClientId(request []byte) ([]byte, error) {
   fields, err := consume_fields(request)
   if err != nil {
      return nil, err
   }
   client_id := find_bytes(fields, 1)
   if client_id == nil {
      return nil, errors.New("license request is missing client_id")
   }
   key := make([]byte, 16)
   iv := make([]byte, aes.BlockSize)
   _, err = rand.Read(key)
   if err != nil {
      return nil, err
   }
   _, err = rand.Read(iv)
   if err != nil {
      return nil, err
   }
   block, err := aes.NewCipher(key)
   if err != nil {
      return nil, err
   }
   pad := aes.BlockSize - len(client_id)%aes.BlockSize
   plain := append(bytes.Clone(client_id), bytes.Repeat([]byte{byte(pad)}, pad)...)
   encrypted := make([]byte, len(plain))
   cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, plain)
   privacy_key, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, s.PublicKey, key, nil)
   if err != nil {
      return nil, err
   }
   var message []byte
   message = protowire.AppendTag(message, 1, protowire.BytesType)
   message = protowire.AppendString(message, s.ProviderId)
   message = protowire.AppendTag(message, 2, protowire.BytesType)
   message = protowire.AppendBytes(message, s.SerialNumber)
   message = protowire.AppendTag(message, 3, protowire.BytesType)
   message = protowire.AppendBytes(message, encrypted)
   message = protowire.AppendTag(message, 4, protowire.BytesType)
   message = protowire.AppendBytes(message, iv)
   message = protowire.AppendTag(message, 5, protowire.BytesType)
   message = protowire.AppendBytes(message, privacy_key)
   var data []byte
   for _, field := range fields {
      if field.num == 1 {
         data = protowire.AppendTag(data, 8, protowire.BytesType)
         data = protowire.AppendBytes(data, message)
         continue
      }
      data = append(data, field.raw...)
   }
   return data, nil
}
