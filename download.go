package passes

import (
   "context"
   "errors"
   "io"
   "os"
   "path/filepath"

   "github.com/go-resty/resty/v2"
   "github.com/rs/zerolog/log"
   "golang.org/x/sync/errgroup"
   "golang.org/x/sync/semaphore"
)

// Downloader writes media to <Output>/[<username>/]<content_id>.<extension>.
// Videos always end in .mp4.
type Downloader struct {
   Client         *resty.Client
   Identity       *Identity
   Engine         *Engine
   Run            CommandRunner
   YtDlp          string
   Retry          Retry
   Output         string
   Force          bool
   CreatorFolders bool
   heavy          *semaphore.Weighted
}

// NewDownloader returns a Downloader that runs at most slots yt-dlp and
// decryption jobs at a time. Plain downloads are not limited.
func NewDownloader(client *resty.Client, identity *Identity, engine *Engine, slots int64) *Downloader {
   return &Downloader{
      Client:   client,
      Identity: identity,
      Engine:   engine,
      Retry:    DefaultRetry(),
      Output:   "media",
      heavy:    semaphore.NewWeighted(max(slots, 1)),
   }
}

// Target is the final path of media inside dir.
func Target(dir string, media *Media) string {
   if media.Kind == Video {
      return filepath.Join(dir, media.ContentId+".mp4")
   }
   return filepath.Join(dir, media.ContentId+"."+media.Extension)
}

// Download fetches one media item and returns its final path. done is called
// once on success, including when the file already exists, and never on
// failure.
func (d *Downloader) Download(ctx context.Context, media *Media, done func()) (string, error) {
   dir := d.Output
   if d.CreatorFolders {
      username, err := d.Identity.Username(ctx, media.UserId)
      if err != nil {
         return "", err
      }
      dir = filepath.Join(dir, username)
   }
   err := os.MkdirAll(dir, os.ModePerm)
   if err != nil {
      return "", err
   }
   name := Target(dir, media)
   if !d.Force {
      if _, err := os.Stat(name); err == nil {
         log.Debug().Str("path", name).Msg("exists")
         finish(done)
         return name, nil
      }
   }
   if media.Kind != Video && !media.Encrypted() {
      err = d.get(ctx, media, name)
      if err != nil {
         return "", err
      }
      finish(done)
      return name, nil
   }
   name, err = d.heavy_download(ctx, media, dir)
   if err != nil {
      return "", err
   }
   finish(done)
   return name, nil
}

func finish(done func()) {
   if done != nil {
      done()
   }
}

func (d *Downloader) heavy_download(ctx context.Context, media *Media, dir string) (string, error) {
   err := d.heavy.Acquire(ctx, 1)
   if err != nil {
      return "", err
   }
   defer d.heavy.Release(1)
   name := filepath.Join(dir, media.ContentId+".mp4")
   if !media.Encrypted() {
      log.Info().Str("path", name).Msg("Create")
      err = d.yt_dlp(ctx, media.Url, name)
      if err != nil {
         return "", err
      }
      return name, nil
   }
   err = RemoveSegments(dir, media.ContentId)
   if err != nil {
      return "", err
   }
   // encrypted tracks land next to the target as <content_id>.enc[.fN].mp4
   err = d.yt_dlp(ctx, media.Url, filepath.Join(dir, media.ContentId+".enc.mp4"))
   if err != nil {
      return "", err
   }
   return d.Engine.DecryptAndRemux(ctx, media, name)
}

func (d *Downloader) yt_dlp(ctx context.Context, address, name string) error {
   run := d.Run
   if run == nil {
      run = command
   }
   binary := d.YtDlp
   if binary == "" {
      binary = "yt-dlp"
   }
   _, err := run(
      ctx, binary,
      "-o", name,
      "--fixup", "never",
      "--quiet",
      "--no-warnings",
      "--force-overwrites",
      "--allow-unplayable-formats",
      address,
   )
   return err
}

// get streams a plain file to name through a .part file.
func (d *Downloader) get(ctx context.Context, media *Media, name string) error {
   log.Info().Str("path", name).Msg("Create")
   return d.Retry.Do(ctx, "GET "+media.ContentId, func() error {
      resp, err := d.Client.R().
         SetContext(ctx).
         SetDoNotParseResponse(true).
         Get(media.Url)
      if err != nil {
         return err
      }
      body := resp.RawBody()
      defer body.Close()
      if resp.IsError() {
         return &StatusError{Code: resp.StatusCode(), Status: resp.Status()}
      }
      part := name + ".part"
      file, err := os.Create(part)
      if err != nil {
         return err
      }
      _, err = io.Copy(file, body)
      if err != nil {
         file.Close()
         os.Remove(part)
         return err
      }
      err = file.Close()
      if err != nil {
         os.Remove(part)
         return err
      }
      return os.Rename(part, name)
   })
}

// DownloadAll downloads every item concurrently and waits for all of them.
// One failure does not stop the others. The returned error joins a
// DownloadError for each failed item. The paths of failed items are empty.
func (d *Downloader) DownloadAll(ctx context.Context, media []Media, done func()) ([]string, error) {
   names := make([]string, len(media))
   errs := make([]error, len(media))
   var group errgroup.Group
   for i := range media {
      group.Go(func() error {
         name, err := d.Download(ctx, &media[i], done)
         if err != nil {
            log.Error().
               Err(err).
               Str("content_id", media[i].ContentId).
               Str("user_id", media[i].UserId).
               Msg("download")
            err = &DownloadError{Media: media[i], Err: err}
            errs[i] = err
            return err
         }
         names[i] = name
         return nil
      })
   }
   if err := group.Wait(); err == nil {
      return names, nil
   }
   return names, errors.Join(errs...)
}
