package passes

import (
   "context"
   "sync"

   "github.com/rs/zerolog/log"
   "golang.org/x/sync/singleflight"
)

// ProfileService looks up users remotely. ok is false if the user does not
// exist.
type ProfileService interface {
   UserId(ctx context.Context, username string) (user_id string, ok bool, err error)
   Username(ctx context.Context, user_id string) (username string, ok bool, err error)
}

// Identity maps usernames to user IDs and back for the life of the process.
// Concurrent lookups of the same key share one remote call.
type Identity struct {
   Profiles ProfileService
   mu       sync.RWMutex
   by_name  map[string]string
   by_id    map[string]string
   group    singleflight.Group
}

func NewIdentity(profiles ProfileService) *Identity {
   return &Identity{
      Profiles: profiles,
      by_name:  map[string]string{},
      by_id:    map[string]string{},
   }
}

func (i *Identity) put(username, user_id string) {
   i.mu.Lock()
   defer i.mu.Unlock()
   i.by_name[username] = user_id
   i.by_id[user_id] = username
}

func (i *Identity) UserId(ctx context.Context, username string) (string, error) {
   i.mu.RLock()
   user_id, ok := i.by_name[username]
   i.mu.RUnlock()
   if ok {
      return user_id, nil
   }
   value, err, _ := i.group.Do("username "+username, func() (any, error) {
      user_id, ok, err := i.Profiles.UserId(ctx, username)
      if err != nil {
         return nil, err
      }
      if !ok {
         return nil, &UserNotFoundError{Username: username}
      }
      i.put(username, user_id)
      log.Info().Str("username", username).Str("user_id", user_id).Msg("user ID")
      return user_id, nil
   })
   if err != nil {
      return "", err
   }
   return value.(string), nil
}

func (i *Identity) Username(ctx context.Context, user_id string) (string, error) {
   i.mu.RLock()
   username, ok := i.by_id[user_id]
   i.mu.RUnlock()
   if ok {
      return username, nil
   }
   value, err, _ := i.group.Do("user_id "+user_id, func() (any, error) {
      username, ok, err := i.Profiles.Username(ctx, user_id)
      if err != nil {
         return nil, err
      }
      if !ok {
         return nil, &UserNotFoundError{UserId: user_id}
      }
      i.put(username, user_id)
      log.Info().Str("user_id", user_id).Str("username", username).Msg("username")
      return username, nil
   })
   if err != nil {
      return "", err
   }
   return value.(string), nil
}
