package headless

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/players"
)

// The avatar calls below stand in for a renderer: they keep the avatar table
// current and log what a renderer would draw.

func (w *World) MaterializeAvatar(s players.State) {
	w.mu.Lock()
	w.avatars[s.ID] = &Avatar{State: s}
	w.mu.Unlock()
	w.logger.Info("avatar materialized", avatarFields(s)...)
}

func (w *World) DestroyAvatar(s players.State) {
	w.mu.Lock()
	delete(w.avatars, s.ID)
	w.mu.Unlock()
	w.logger.Info("avatar destroyed", avatarFields(s)...)
}

func (w *World) MoveAvatar(s players.State) {
	w.update(s, func(a *Avatar) {})
	w.logger.Debug("avatar moving", append(avatarFields(s),
		zap.Bool("running", s.Position.Running),
		zap.Stringer("destination", s.Position.Destination),
	)...)
}

func (w *World) TurnAvatar(s players.State) {
	w.update(s, func(a *Avatar) {})
	w.logger.Debug("avatar turned", append(avatarFields(s), zap.Stringer("look", s.Look))...)
}

func (w *World) PlayAvatarAction(s players.State) {
	w.update(s, func(a *Avatar) {})
	w.logger.Debug("avatar action", append(avatarFields(s), zap.Uint8("action", uint8(s.Action)))...)
}

func (w *World) SetAvatarUIContext(s players.State) {
	w.update(s, func(a *Avatar) {})
	w.logger.Debug("avatar ui context", append(avatarFields(s), zap.Stringer("canvas", s.Canvas))...)
}

func (w *World) SetAvatarVisible(s players.State, visible bool) {
	w.update(s, func(a *Avatar) { a.Visible = visible })
	w.logger.Debug("avatar visibility", append(avatarFields(s), zap.Bool("visible", visible))...)
}

func (w *World) AnimateAvatar(s players.State) {
	w.update(s, func(a *Avatar) { a.Frames++ })
}

func (w *World) PhysicsStepAvatar(s players.State) {
	w.update(s, func(a *Avatar) { a.Steps++ })
}

// update records s on its avatar, if materialized, and applies fn.
func (w *World) update(s players.State, fn func(a *Avatar)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.avatars[s.ID]
	if !ok {
		return
	}
	a.State = s
	fn(a)
}

func avatarFields(s players.State) []zap.Field {
	return []zap.Field{
		zap.Int16("id", s.ID),
		zap.String("username", s.Username),
		zap.Stringer("position", s.Position),
	}
}
