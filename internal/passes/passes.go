package main

import (
   "bufio"
   "context"
   "errors"
   "fmt"
   "io"
   "net/http"
   "net/url"
   "os"
   "os/signal"
   "strings"
   "time"

   "41.neocities.org/passes"
   "41.neocities.org/passes/api"
   "github.com/caarlos0/env/v10"
   "github.com/go-resty/resty/v2"
   "github.com/rs/zerolog"
   "github.com/rs/zerolog/log"
   "github.com/spf13/cobra"
   "github.com/spf13/pflag"
   "golang.org/x/sync/errgroup"
)

type flags struct {
   feed          string
   messages      string
   all           string
   gallery       string
   urls          []string
   file          string
   output        string
   from          string
   to            string
   limit         int
   kinds         passes.Kinds
   images        bool
   videos        bool
   size          passes.ImageType
   video_size    passes.VideoType
   force         bool
   no_creator    bool
   log_level     string
   login_attempt int
}

const all_creators = "*"

// positional assigns arguments left over after flag parsing. A bare
// --gallery takes no value, so "--gallery alice" leaves alice here.
func (f *flags) positional(args []string, gallery bool) error {
   if len(args) == 0 {
      return nil
   }
   if gallery && f.gallery == all_creators && len(args) == 1 &&
      !strings.Contains(args[0], "/") {
      f.gallery = args[0]
      return nil
   }
   if f.feed != "" || f.messages != "" || f.all != "" || gallery || f.file != "" {
      return fmt.Errorf("unexpected arguments %q", args)
   }
   f.urls = append(f.urls, args...)
   return nil
}

func new_command(environ *environment) *cobra.Command {
   f := flags{
      size:          passes.ImageLarge,
      video_size:    passes.VideoOriginal,
      login_attempt: 3,
   }
   cmd := &cobra.Command{
      Use:          "passes",
      Short:        "A tool for downloading media from www.passes.com",
      SilenceUsage: true,
      RunE: func(cmd *cobra.Command, args []string) error {
         gallery := cmd.Flags().Changed("gallery")
         err := f.positional(args, gallery)
         if err != nil {
            return err
         }
         level := environ.LogLevel
         if cmd.Flags().Changed("log-level") {
            level = f.log_level
         }
         set_logger(level)
         return run(cmd.Context(), environ, &f, gallery)
      },
   }
   flag := cmd.Flags()
   flag.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
      return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
   })
   flag.StringVar(&f.feed, "feed", "", "download media from posts in a user's feed")
   flag.StringVarP(&f.messages, "messages", "m", "", "download media from posts in a user's messages")
   flag.StringVarP(&f.all, "all", "a", "", "download media from posts in a user's feed and messages")
   flag.StringVar(&f.gallery, "gallery", "", "download purchased media, optionally of one user")
   flag.Lookup("gallery").NoOptDefVal = all_creators
   flag.StringSliceVar(&f.urls, "urls", nil, "post URLs to download media from")
   flag.StringSliceVar(&f.urls, "links", nil, "post URLs to download media from")
   flag.MarkHidden("links")
   flag.StringVar(&f.file, "file", "", "file with one post URL per line")
   flag.StringVarP(&f.output, "output", "o", "media", "output directory")
   flag.StringVar(&f.from, "from", "", "creation timestamp of the first post")
   flag.StringVarP(&f.to, "to", "t", "", "creation timestamp of the last post")
   flag.IntVar(&f.limit, "limit", 0, "maximum number of posts")
   flag.Var(&f.kinds, "kinds", "media kinds to download")
   flag.BoolVarP(&f.images, "images", "i", false, "only download images")
   flag.BoolVarP(&f.videos, "videos", "v", false, "only download videos")
   flag.VarP(&f.size, "size", "s", "image size (small, medium, large, original)")
   flag.Var(&f.video_size, "video-size", "video size (large, original)")
   flag.BoolVar(&f.force, "force-download", false, "download media that already exists")
   flag.BoolVar(&f.force, "fd", false, "")
   flag.MarkHidden("fd")
   flag.BoolVar(&f.no_creator, "no-creator-folders", false, "don't create a folder per creator")
   flag.BoolVar(&f.no_creator, "ncf", false, "")
   flag.MarkHidden("ncf")
   flag.StringVar(&f.log_level, "log-level", "info", "log level")
   cmd.MarkFlagsMutuallyExclusive("feed", "messages", "all", "gallery", "urls", "links", "file")
   cmd.MarkFlagsMutuallyExclusive("kinds", "images", "videos")
   return cmd
}

func set_logger(level string) {
   output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
   log.Logger = zerolog.New(output).
      With().
      Timestamp().
      Logger().
      Level(parse_level(level))
}

func parse_level(raw string) zerolog.Level {
   level, err := zerolog.ParseLevel(strings.ToLower(raw))
   if err != nil || raw == "" {
      return zerolog.InfoLevel
   }
   return level
}

func (f *flags) filter() (*passes.PostFilter, error) {
   filter := passes.PostFilter{Kinds: f.kinds, AccessibleOnly: true}
   var err error
   if f.from != "" {
      filter.From, err = passes.ParseTime(f.from)
      if err != nil {
         return nil, err
      }
   }
   if f.to != "" {
      filter.To, err = passes.ParseTime(f.to)
      if err != nil {
         return nil, err
      }
   }
   switch {
   case f.images:
      filter.Kinds.Set(string(passes.Image))
   case f.videos:
      filter.Kinds.Set(string(passes.Video))
   }
   err = filter.Validate()
   if err != nil {
      return nil, err
   }
   return &filter, nil
}

func prompt_mfa() (string, error) {
   fmt.Fprint(os.Stderr, ">>> Enter the multi-factor authentication code: ")
   line, err := bufio.NewReader(os.Stdin).ReadString('\n')
   if err != nil && !errors.Is(err, io.EOF) {
      return "", err
   }
   return strings.TrimSpace(line), nil
}

func login(
   ctx context.Context, client *api.Client, cfg *config, name string, attempts int,
) (string, error) {
   var solver *api.Solver
   if cfg.CaptchaSolver.ApiDomain != "" {
      solver = &api.Solver{
         Domain: cfg.CaptchaSolver.ApiDomain, Key: cfg.CaptchaSolver.ApiKey,
      }
   }
   token, mfa, err := client.Login(
      ctx,
      cfg.Authorization.Credentials.Email,
      cfg.Authorization.Credentials.Password,
      solver,
      attempts,
   )
   if err != nil {
      return "", err
   }
   if mfa {
      log.Info().Msg("multi-factor authentication is required")
      code, err := prompt_mfa()
      if err != nil {
         return "", err
      }
      token, err = client.SubmitMfa(ctx, token, code)
      if err != nil {
         return "", err
      }
   }
   cfg.Authorization.RefreshToken = token
   err = write_config(name, cfg)
   if err != nil {
      return "", err
   }
   log.Info().Str("name", name).Msg("refresh token saved")
   return token, nil
}

func authenticate(
   ctx context.Context, client *api.Client, cfg *config, name string, attempts int,
) error {
   refresh_token := cfg.Authorization.RefreshToken
   if refresh_token == "" && cfg.credentials() {
      log.Info().Msg("obtaining refresh token")
      var err error
      refresh_token, err = login(ctx, client, cfg, name, attempts)
      if err != nil {
         return err
      }
   }
   if refresh_token == "" {
      return errors.New("a refresh token or login credentials are required")
   }
   access_token, err := client.AccessToken(ctx, refresh_token)
   var auth *api.AuthorizationError
   if errors.As(err, &auth) && cfg.credentials() {
      log.Warn().Msg("refresh token is invalid or expired")
      refresh_token, err = login(ctx, client, cfg, name, attempts)
      if err != nil {
         return err
      }
      access_token, err = client.AccessToken(ctx, refresh_token)
   }
   if err != nil {
      return err
   }
   client.SetAccessToken(access_token)
   log.Info().Msg("set access token")
   return nil
}

func read_lines(name string) ([]string, error) {
   data, err := os.ReadFile(name)
   if err != nil {
      return nil, err
   }
   var lines []string
   for _, line := range strings.Split(string(data), "\n") {
      line = strings.TrimSpace(line)
      if line != "" {
         lines = append(lines, line)
      }
   }
   return lines, nil
}

func collect(
   ctx context.Context, client *api.Client, identity *passes.Identity,
   f *flags, gallery bool, filter *passes.PostFilter,
) ([]passes.Post, error) {
   switch {
   case f.feed != "":
      log.Info().Str("username", f.feed).Msg("fetching feed")
      return client.Feed(ctx, identity, f.feed, f.limit, filter)
   case f.messages != "":
      log.Info().Str("username", f.messages).Msg("fetching messages")
      return client.Messages(ctx, f.messages, f.limit, filter)
   case f.all != "":
      log.Info().Str("username", f.all).Msg("fetching feed and messages")
      var (
         feed, messages         []passes.Post
         feed_err, messages_err error
         group                  errgroup.Group
      )
      group.Go(func() error {
         feed, feed_err = client.Feed(ctx, identity, f.all, f.limit, filter)
         return feed_err
      })
      group.Go(func() error {
         messages, messages_err = client.Messages(ctx, f.all, f.limit, filter)
         return messages_err
      })
      if group.Wait() != nil {
         if feed_err != nil && messages_err != nil {
            return nil, errors.Join(feed_err, messages_err)
         }
         if feed_err != nil {
            log.Error().Err(feed_err).Msg("feed")
         }
         if messages_err != nil {
            log.Error().Err(messages_err).Msg("messages")
         }
      }
      return append(feed, messages...), nil
   case gallery:
      username := f.gallery
      if username == all_creators {
         username = ""
      }
      log.Info().Str("username", username).Msg("fetching gallery")
      return client.Gallery(ctx, identity, username, f.limit, filter)
   }
   urls := f.urls
   if f.file != "" {
      var err error
      urls, err = read_lines(f.file)
      if err != nil {
         return nil, err
      }
   }
   if len(urls) == 0 {
      return nil, errors.New("one of --feed, --messages, --all, --gallery, --urls or --file is required")
   }
   log.Info().Int("urls", len(urls)).Msg("fetching posts")
   posts := make([]passes.Post, len(urls))
   group, ctx := errgroup.WithContext(ctx)
   for i, address := range urls {
      group.Go(func() error {
         post, err := client.PostFromURL(ctx, address)
         if err != nil {
            return err
         }
         posts[i] = *post
         return nil
      })
   }
   err := group.Wait()
   if err != nil {
      return nil, err
   }
   return posts, nil
}

func run(ctx context.Context, environ *environment, f *flags, gallery bool) error {
   cfg, err := read_config(environ.Config)
   if err != nil {
      return err
   }
   var proxy func(*http.Request) (*url.URL, error)
   if environ.Proxy {
      proxy = http.ProxyFromEnvironment
   }
   transport := api.Transport(proxy)
   client := api.New("")
   client.SetTransport(transport)
   err = authenticate(ctx, client, cfg, environ.Config, f.login_attempt)
   if err != nil {
      return err
   }
   filter, err := f.filter()
   if err != nil {
      return err
   }
   identity := passes.NewIdentity(client)
   posts, err := collect(ctx, client, identity, f, gallery, filter)
   if err != nil {
      return err
   }
   policy := passes.DefaultPolicy()
   policy.Kinds = filter.Kinds
   policy.Image = f.size
   policy.Video = f.video_size
   var media []passes.Media
   for _, post := range posts {
      value, err := passes.Resolve(&post, &policy)
      if err != nil {
         log.Warn().Err(err).Msg("resolve")
         continue
      }
      media = append(media, value...)
   }
   if len(media) == 0 {
      log.Warn().Msg("no downloadable media found")
      return nil
   }
   cdn := resty.New().SetTransport(transport).OnBeforeRequest(api.LogRequest)
   var cdm passes.Cdm
   if cfg.Widevine.ClientId != "" {
      cdm = &passes.Device{
         ClientId:           cfg.Widevine.ClientId,
         PrivateKey:         cfg.Widevine.PrivateKey,
         ServiceCertificate: cfg.Widevine.ServiceCertificate,
      }
   }
   engine := passes.Engine{
      Protection: passes.NewWidevine(cdn, cdm, client.License),
   }
   downloader := passes.NewDownloader(cdn, identity, &engine, environ.HeavySlots)
   downloader.Retry.Attempts = environ.Retries
   downloader.Output = f.output
   downloader.Force = f.force
   downloader.CreatorFolders = !f.no_creator
   progress := passes.NewProgress(len(media), os.Stderr)
   _, err = downloader.DownloadAll(ctx, media, progress.Done)
   progress.Finish()
   if err != nil {
      return fmt.Errorf("%d of %d downloads failed: %w",
         len(media)-progress.Processed(), len(media), err,
      )
   }
   return nil
}

func main() {
   var environ environment
   err := env.Parse(&environ)
   if err != nil {
      fmt.Fprintln(os.Stderr, err)
      os.Exit(1)
   }
   set_logger(environ.LogLevel)
   ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
   defer stop()
   err = new_command(&environ).ExecuteContext(ctx)
   if err != nil {
      stop()
      os.Exit(1)
   }
}
