package passes

import (
   "io"
   "sync"
   "time"

   "github.com/rs/zerolog/log"
   "github.com/schollz/progressbar/v3"
)

// Progress counts finished downloads. Done is safe for concurrent use.
type Progress struct {
   mu        sync.Mutex
   bar       *progressbar.ProgressBar
   total     int
   processed int
   start     time.Time
   last_log  time.Time
}

func NewProgress(total int, w io.Writer) *Progress {
   now := time.Now()
   return &Progress{
      bar: progressbar.NewOptions(
         total,
         progressbar.OptionSetWriter(w),
         progressbar.OptionSetDescription("Downloading media..."),
         progressbar.OptionShowCount(),
         progressbar.OptionSetPredictTime(true),
         progressbar.OptionShowElapsedTimeOnFinish(),
         progressbar.OptionThrottle(100*time.Millisecond),
      ),
      total:    total,
      start:    now,
      last_log: now,
   }
}

func (p *Progress) Done() {
   p.mu.Lock()
   defer p.mu.Unlock()
   p.processed++
   p.bar.Add(1)
   now := time.Now()
   if now.Sub(p.last_log) > time.Second || p.processed == p.total {
      log.Debug().Msgf(
         "done %d | left %d | ETA %s",
         p.processed, p.total-p.processed, p.eta(now).Truncate(time.Second),
      )
      p.last_log = now
   }
}

func (p *Progress) eta(now time.Time) time.Duration {
   if p.processed <= 0 {
      return 0
   }
   per_item := now.Sub(p.start) / time.Duration(p.processed)
   return per_item * time.Duration(p.total-p.processed)
}

func (p *Progress) Finish() error {
   return p.bar.Finish()
}

func (p *Progress) Processed() int {
   p.mu.Lock()
   defer p.mu.Unlock()
   return p.processed
}
