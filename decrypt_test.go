package passes

import (
   "context"
   "errors"
   "os"
   "path/filepath"
   "strings"
   "sync"
   "testing"

   "github.com/go-resty/resty/v2"
   "github.com/stretchr/testify/assert"
   "github.com/stretchr/testify/require"
)

// fake_tools stands in for shaka packager, ffmpeg and yt-dlp.
// fail names a tool that exits non-zero. With fail_call set only that call
// of the tool fails, counting from one.
type fake_tools struct {
   mu        sync.Mutex
   calls     [][]string
   fail      string
   fail_call int
   segments  []string
}

func (f *fake_tools) run(ctx context.Context, name string, arg ...string) ([]byte, error) {
   tool := filepath.Base(name)
   f.mu.Lock()
   f.calls = append(f.calls, append([]string{tool}, arg...))
   var n int
   for _, call := range f.calls {
      if call[0] == tool {
         n++
      }
   }
   f.mu.Unlock()
   if tool == f.fail && (f.fail_call == 0 || f.fail_call == n) {
      return nil, errors.New(tool + ": exit status 1")
   }
   switch tool {
   case "packager":
      var input, output string
      for _, pair := range strings.Split(arg[0], ",") {
         key, value, _ := strings.Cut(pair, "=")
         switch key {
         case "input":
            input = value
         case "output":
            output = value
         }
      }
      data, err := os.ReadFile(input)
      if err != nil {
         return nil, err
      }
      return nil, os.WriteFile(output, append([]byte("clear "), data...), 0666)
   case "ffmpeg":
      var data []byte
      for i, value := range arg {
         if value == "-i" {
            input, err := os.ReadFile(arg[i+1])
            if err != nil {
               return nil, err
            }
            data = append(data, input...)
         }
      }
      return nil, os.WriteFile(arg[len(arg)-1], data, 0666)
   case "yt-dlp":
      output := arg[1]
      if len(f.segments) == 0 {
         return nil, os.WriteFile(output, []byte("media"), 0666)
      }
      base := strings.TrimSuffix(output, ".mp4")
      for _, segment := range f.segments {
         err := os.WriteFile(base+segment, []byte("cipher"), 0666)
         if err != nil {
            return nil, err
         }
      }
   }
   return nil, nil
}

func (f *fake_tools) count(tool string) int {
   f.mu.Lock()
   defer f.mu.Unlock()
   var n int
   for _, call := range f.calls {
      if call[0] == tool {
         n++
      }
   }
   return n
}

func look_path(name string) (string, error) {
   if name == "packager" {
      return "/usr/bin/packager", nil
   }
   return "", errors.New("not found")
}

func default_manifest(t *testing.T) string {
   box := pssh_box(0, widevine_system_id, []string{"eb676abbcb345e96bbcf616630f1a3da"}, nil)
   server, _ := manifest_server(t, mpd(box))
   return server.URL + "/drm2/c1/manifest.mpd"
}

func new_engine(tools *fake_tools) *Engine {
   return &Engine{
      Protection: NewWidevine(resty.New(), nil, nil),
      Run:        tools.run,
      LookPath:   look_path,
   }
}

func write_segments(t *testing.T, dir string, names ...string) {
   t.Helper()
   for _, name := range names {
      require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("cipher"), 0666))
   }
}

func TestDecryptAndRemuxVideo(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.f1.mp4", "c1.enc.f2.m4a")
   tools := fake_tools{}
   engine := new_engine(&tools)
   media := Media{Url: default_manifest(t), ContentId: "c1", Kind: Video, Extension: "mp4"}
   target := filepath.Join(dir, "c1.mp4")
   name, err := engine.DecryptAndRemux(context.Background(), &media, target)
   require.NoError(t, err)
   assert.Equal(t, target, name)
   data, err := os.ReadFile(target)
   require.NoError(t, err)
   assert.Equal(t, "clear cipherclear cipher", string(data))
   entries, err := os.ReadDir(dir)
   require.NoError(t, err)
   require.Len(t, entries, 1)
   assert.Equal(t, "c1.mp4", entries[0].Name())
   assert.Equal(t, 2, tools.count("packager"))
   assert.Contains(t, tools.calls[0],
      "key_id=eb676abbcb345e96bbcf616630f1a3da:key=100b6c20940f779a4589152b57d2dacb",
   )
   assert.Contains(t, tools.calls[0], "--enable_raw_key_decryption")
}

func TestDecryptAndRemuxImage(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.mp4")
   tools := fake_tools{}
   engine := new_engine(&tools)
   media := Media{Url: default_manifest(t), ContentId: "c1", Kind: Image, Extension: "jpg"}
   name, err := engine.DecryptAndRemux(context.Background(), &media, filepath.Join(dir, "c1.mp4"))
   require.NoError(t, err)
   assert.Equal(t, filepath.Join(dir, "c1.jpg"), name)
   assert.FileExists(t, name)
   assert.NoFileExists(t, filepath.Join(dir, "c1.mp4"))
   assert.Equal(t, 2, tools.count("ffmpeg"))
   last := tools.calls[len(tools.calls)-1]
   assert.Contains(t, last, "-vframes")
}

func TestDecryptAndRemuxAtomic(t *testing.T) {
   tests := []struct {
      name string
      fail fake_tools
   }{
      {"first packager", fake_tools{fail: "packager", fail_call: 1}},
      {"second packager", fake_tools{fail: "packager", fail_call: 2}},
      {"mux", fake_tools{fail: "ffmpeg"}},
   }
   for _, test := range tests {
      t.Run(test.name, func(t *testing.T) {
         dir := t.TempDir()
         write_segments(t, dir, "c1.enc.f1.mp4", "c1.enc.f2.m4a")
         media := Media{Url: default_manifest(t), ContentId: "c1", Kind: Video, Extension: "mp4"}
         target := filepath.Join(dir, "c1.mp4")
         _, err := new_engine(&test.fail).DecryptAndRemux(context.Background(), &media, target)
         var decrypt *DecryptionError
         require.ErrorAs(t, err, &decrypt)
         assert.Equal(t, "c1", decrypt.ContentId)
         assert.NoFileExists(t, target)
         entries, err := os.ReadDir(dir)
         require.NoError(t, err)
         assert.Len(t, entries, 2)
         for _, entry := range entries {
            data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
            require.NoError(t, err)
            assert.Equal(t, "cipher", string(data), entry.Name())
         }
         var tools fake_tools
         name, err := new_engine(&tools).DecryptAndRemux(context.Background(), &media, target)
         require.NoError(t, err)
         data, err := os.ReadFile(name)
         require.NoError(t, err)
         assert.Equal(t, "clear cipherclear cipher", string(data))
      })
   }
}

func TestDecryptAndRemuxFrameFailure(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.mp4")
   tools := fake_tools{fail: "ffmpeg", fail_call: 2}
   media := Media{Url: default_manifest(t), ContentId: "c1", Kind: Image, Extension: "jpg"}
   _, err := new_engine(&tools).DecryptAndRemux(
      context.Background(), &media, filepath.Join(dir, "c1.mp4"),
   )
   var decrypt *DecryptionError
   require.ErrorAs(t, err, &decrypt)
   assert.Equal(t, "frame", decrypt.Stage)
   assert.NoFileExists(t, filepath.Join(dir, "c1.jpg"))
   assert.NoFileExists(t, filepath.Join(dir, "c1.mp4"))
   data, err := os.ReadFile(filepath.Join(dir, "c1.enc.mp4"))
   require.NoError(t, err)
   assert.Equal(t, "cipher", string(data))
}

func TestDecryptAndRemuxCleanupFailure(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.f1.mp4", "c1.enc.f2.m4a")
   var tools fake_tools
   engine := new_engine(&tools)
   stuck := filepath.Join(dir, "c1.enc.f2.m4a")
   engine.Run = func(ctx context.Context, name string, arg ...string) ([]byte, error) {
      data, err := tools.run(ctx, name, arg...)
      if err == nil && filepath.Base(name) == "ffmpeg" {
         require.NoError(t, os.Remove(stuck))
         require.NoError(t, os.MkdirAll(filepath.Join(stuck, "busy"), 0777))
      }
      return data, err
   }
   media := Media{Url: default_manifest(t), ContentId: "c1", Kind: Video, Extension: "mp4"}
   name, err := engine.DecryptAndRemux(context.Background(), &media, filepath.Join(dir, "c1.mp4"))
   require.NoError(t, err)
   data, err := os.ReadFile(name)
   require.NoError(t, err)
   assert.Equal(t, "clear cipherclear cipher", string(data))
   assert.NoFileExists(t, filepath.Join(dir, "c1.enc.f1.mp4"))
   assert.DirExists(t, stuck)
}

func TestDecryptAndRemuxNoHeader(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.mp4")
   server, _ := manifest_server(t, mpd())
   tools := fake_tools{}
   media := Media{Url: server.URL + "/drm2/c1.mpd", ContentId: "c1", Kind: Video}
   _, err := new_engine(&tools).DecryptAndRemux(
      context.Background(), &media, filepath.Join(dir, "c1.mp4"),
   )
   assert.ErrorIs(t, err, ErrNoHeader)
   assert.Equal(t, 0, tools.count("packager"))
}

func TestDecryptAndRemuxNoKey(t *testing.T) {
   dir := t.TempDir()
   write_segments(t, dir, "c1.enc.mp4")
   box := pssh_box(0, widevine_system_id, []string{test_key_id}, nil)
   server, _ := manifest_server(t, mpd(box))
   tools := fake_tools{}
   media := Media{Url: server.URL + "/drm2/c1.mpd", ContentId: "c1", Kind: Video}
   _, err := new_engine(&tools).DecryptAndRemux(
      context.Background(), &media, filepath.Join(dir, "c1.mp4"),
   )
   assert.ErrorIs(t, err, ErrNoKey)
}

func TestDecryptAndRemuxNoSegments(t *testing.T) {
   tools := fake_tools{}
   media := Media{ContentId: "c1", Kind: Video}
   _, err := new_engine(&tools).DecryptAndRemux(
      context.Background(), &media, filepath.Join(t.TempDir(), "c1.mp4"),
   )
   assert.ErrorIs(t, err, ErrNoSegments)
}

func TestPackagerNotFound(t *testing.T) {
   engine := Engine{
      LookPath: func(string) (string, error) {
         return "", errors.New("not found")
      },
   }
   _, err := engine.Packager()
   assert.ErrorIs(t, err, ErrPackagerNotFound)
   var tools fake_tools
   engine.Run = tools.run
   dir := t.TempDir()
   name := filepath.Join(dir, "c1.enc.mp4")
   require.NoError(t, os.WriteFile(name, []byte("cipher"), 0666))
   err = engine.DecryptFile(
      context.Background(), name, filepath.Join(dir, "decrypted.mp4"), &default_key,
   )
   assert.ErrorIs(t, err, ErrPackagerNotFound)
   assert.Empty(t, tools.calls)
}

func TestPackagerNames(t *testing.T) {
   assert.Equal(t, []string{
      "packager-osx-x64", "packager-osx-arm64", "packager-osx", "shaka-packager", "packager",
   }, packager_names("darwin", "amd64"))
   assert.Equal(t, "packager-win-x64", packager_names("windows", "amd64")[0])
   assert.Equal(t, "packager-linux-arm64", packager_names("linux", "arm64")[0])
}
