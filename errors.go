package passes

import (
   "errors"
   "fmt"
)

var (
   ErrPackagerNotFound = errors.New("shaka packager binary not found")
   ErrNoSegments       = errors.New("no segments to decrypt")
   ErrNoHeader         = errors.New("widevine PSSH not found in manifest")
   ErrNoKey            = errors.New("content key could not be obtained")
)

type UserNotFoundError struct {
   Username string
   UserId   string
}

func (u *UserNotFoundError) Error() string {
   if u.Username != "" {
      return "user not found: " + u.Username
   }
   return "user not found: " + u.UserId
}

// DecryptionError is a failure of one stage of the decrypt and remux
// pipeline for one content id.
type DecryptionError struct {
   ContentId string
   Stage     string
   Err       error
}

func (d *DecryptionError) Error() string {
   return fmt.Sprintf("decrypt %v: %v: %v", d.ContentId, d.Stage, d.Err)
}

func (d *DecryptionError) Unwrap() error {
   return d.Err
}

type DownloadError struct {
   Media Media
   Err   error
}

func (d *DownloadError) Error() string {
   return fmt.Sprintf("download %v: %v", d.Media.ContentId, d.Err)
}

func (d *DownloadError) Unwrap() error {
   return d.Err
}
