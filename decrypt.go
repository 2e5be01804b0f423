package passes

import (
   "context"
   "errors"
   "fmt"
   "os"
   "os/exec"
   "path/filepath"
   "runtime"
   "strings"
   "sync"

   "github.com/rs/zerolog/log"
)

// CommandRunner runs an external tool and returns its standard output.
type CommandRunner func(ctx context.Context, name string, arg ...string) ([]byte, error)

func command(ctx context.Context, name string, arg ...string) ([]byte, error) {
   c := exec.CommandContext(ctx, name, arg...)
   var stderr strings.Builder
   c.Stderr = &stderr
   log.Debug().Strs("args", c.Args).Msg("Output")
   data, err := c.Output()
   if err != nil {
      if message := strings.TrimSpace(stderr.String()); message != "" {
         return nil, fmt.Errorf("%v: %w: %v", filepath.Base(name), err, message)
      }
      return nil, fmt.Errorf("%v: %w", filepath.Base(name), err)
   }
   return data, nil
}

// Engine decrypts downloaded segments with shaka packager and muxes them
// with ffmpeg.
type Engine struct {
   Protection *Widevine
   Run        CommandRunner
   Ffmpeg     string
   LookPath   func(string) (string, error)
   packager   struct {
      once sync.Once
      path string
      err  error
   }
}

func (e *Engine) run(ctx context.Context, name string, arg ...string) error {
   run := e.Run
   if run == nil {
      run = command
   }
   _, err := run(ctx, name, arg...)
   return err
}

func packager_names(goos, arch string) []string {
   platform := goos
   switch goos {
   case "windows":
      platform = "win"
   case "darwin":
      platform = "osx"
   }
   names := []string{
      "packager-" + platform + "-x64",
      "packager-" + platform + "-arm64",
      "packager-" + platform,
      "shaka-packager",
      "packager",
   }
   // prefer the build for this machine
   if arch == "arm64" {
      names[0], names[1] = names[1], names[0]
   }
   return names
}

// Packager returns the path of the first shaka packager binary found.
func (e *Engine) Packager() (string, error) {
   e.packager.once.Do(func() {
      look := e.LookPath
      if look == nil {
         look = exec.LookPath
      }
      for _, name := range packager_names(runtime.GOOS, runtime.GOARCH) {
         path, err := look(name)
         if err == nil {
            e.packager.path = path
            return
         }
      }
      e.packager.err = ErrPackagerNotFound
   })
   return e.packager.path, e.packager.err
}

func (e *Engine) ffmpeg() string {
   if e.Ffmpeg != "" {
      return e.Ffmpeg
   }
   return "ffmpeg"
}

// DecryptFile writes the decrypted form of input to output. input is never
// modified. Packager scratch files go next to output.
func (e *Engine) DecryptFile(ctx context.Context, input, output string, key *ContentKey) error {
   packager, err := e.Packager()
   if err != nil {
      return err
   }
   return e.run(
      ctx, packager,
      fmt.Sprintf("input=%v,stream=0,output=%v", input, output),
      "--temp_dir="+filepath.Dir(output),
      "--enable_raw_key_decryption",
      "--keys",
      key.String(),
   )
}

// segments returns the files of one encrypted download, one per track.
func segments(dir, content_id string) ([]string, error) {
   names, err := filepath.Glob(
      filepath.Join(dir, glob_escape(content_id)+".*.*"),
   )
   if err != nil {
      return nil, err
   }
   if len(names) == 0 {
      return nil, ErrNoSegments
   }
   return names, nil
}

// RemoveSegments deletes segments left behind by an earlier failed run.
func RemoveSegments(dir, content_id string) error {
   names, err := segments(dir, content_id)
   if errors.Is(err, ErrNoSegments) {
      return nil
   }
   if err != nil {
      return err
   }
   for _, name := range names {
      err = os.Remove(name)
      if err != nil {
         return err
      }
   }
   return nil
}

func glob_escape(s string) string {
   var b strings.Builder
   for _, r := range s {
      switch r {
      case '*', '?', '[', '\\':
         b.WriteByte('\\')
      }
      b.WriteRune(r)
   }
   return b.String()
}

// DecryptAndRemux decrypts the segments of media sitting next to target and
// muxes them into target. For anything but video one frame is extracted into
// <content_id>.<extension> instead. It returns the final path. All work
// happens in a private directory. The segments are removed only once the
// final path exists, and on failure nothing is left at the final path.
func (e *Engine) DecryptAndRemux(ctx context.Context, media *Media, target string) (string, error) {
   fail := func(stage string, err error) (string, error) {
      return "", &DecryptionError{ContentId: media.ContentId, Stage: stage, Err: err}
   }
   dir := filepath.Dir(target)
   names, err := segments(dir, media.ContentId)
   if err != nil {
      return fail("segments", err)
   }
   header, err := e.Protection.ProtectionHeader(ctx, media.Url)
   if err != nil {
      return fail("manifest", err)
   }
   if header == nil {
      return fail("manifest", ErrNoHeader)
   }
   key, err := e.Protection.ContentKey(ctx, header)
   if err != nil {
      return fail("license", err)
   }
   if key == nil {
      return fail("license", ErrNoKey)
   }
   temp, err := os.MkdirTemp(dir, ".decrypt-")
   if err != nil {
      return fail("packager", err)
   }
   defer os.RemoveAll(temp)
   arg := []string{"-y"}
   for i, name := range names {
      output := filepath.Join(
         temp, fmt.Sprintf("decrypted_%d_%v", i, filepath.Base(name)),
      )
      err = e.DecryptFile(ctx, name, output, key)
      if err != nil {
         return fail("packager", err)
      }
      arg = append(arg, "-i", output)
   }
   muxed := filepath.Join(temp, media.ContentId+".mp4")
   err = e.run(ctx, e.ffmpeg(), append(arg, muxed)...)
   if err != nil {
      return fail("mux", err)
   }
   final := target
   if media.Kind == Video {
      err = os.Rename(muxed, final)
      if err != nil {
         return fail("mux", err)
      }
   } else {
      frame := filepath.Join(temp, media.ContentId+"."+media.Extension)
      err = e.run(ctx, e.ffmpeg(), "-y", "-i", muxed, "-vframes", "1", frame)
      if err != nil {
         return fail("frame", err)
      }
      final = filepath.Join(dir, media.ContentId+"."+media.Extension)
      err = os.Rename(frame, final)
      if err != nil {
         return fail("frame", err)
      }
   }
   for _, name := range names {
      err = os.Remove(name)
      if err != nil && !errors.Is(err, os.ErrNotExist) {
         log.Warn().Err(err).Str("path", name).Msg("Remove")
      }
   }
   return final, nil
}
