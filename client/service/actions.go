package service

import (
	"context"
	"errors"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/model"
)

func (svc *Service) roomRef() (model.RoomRef, error) {
	roomID := svc.store.RoomID()
	if roomID == 0 {
		return model.RoomRef{}, ErrNotStarted
	}
	return model.RoomRef{StudyID: roomID}, nil
}

func (svc *Service) publish(ctx context.Context, destination string, body any) error {
	if err := svc.transport.Publish(ctx, destination, body); err != nil {
		return errors.Join(ErrAction, err)
	}
	svc.logger.Debug().Str("destination", destination).Msg("room action sent")
	return nil
}

func (svc *Service) ownerOnly() error {
	if !svc.store.IsOwner() {
		return ErrNotOwner
	}
	return nil
}

// Enter announces this client in the room. It is sent on every connect.
func (svc *Service) Enter(ctx context.Context) error {
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestEnter, ref)
}

func (svc *Service) Leave(ctx context.Context) error {
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestLeave, ref)
}

// Quit gives up room membership and ends the session.
func (svc *Service) Quit(ctx context.Context) error {
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	if err = svc.publish(ctx, model.DestQuit, ref); err != nil {
		return err
	}
	return svc.teardown(ctx)
}

func (svc *Service) Kick(ctx context.Context, targetUserID int64) error {
	if err := svc.ownerOnly(); err != nil {
		return err
	}
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestKick, model.TargetAction{StudyID: ref.StudyID, TargetUserID: targetUserID})
}

func (svc *Service) Delegate(ctx context.Context, targetUserID int64) error {
	if err := svc.ownerOnly(); err != nil {
		return err
	}
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestDelegate, model.TargetAction{StudyID: ref.StudyID, TargetUserID: targetUserID})
}

func (svc *Service) DeleteRoom(ctx context.Context) error {
	if err := svc.ownerOnly(); err != nil {
		return err
	}
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestDelete, ref)
}

func (svc *Service) UpdateInfo(ctx context.Context, title, description string) error {
	if err := svc.ownerOnly(); err != nil {
		return err
	}
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestInfoUpdate, model.InfoUpdate{
		StudyID:     ref.StudyID,
		Title:       title,
		Description: description,
	})
}

func (svc *Service) AddProblem(ctx context.Context, problemID int64) error {
	if _, err := svc.roomRef(); err != nil {
		return err
	}
	return svc.publish(ctx, model.DestProblems, model.ProblemAction{Action: model.EventAdd, ProblemID: problemID})
}

func (svc *Service) RemoveProblem(ctx context.Context, problemID int64) error {
	if _, err := svc.roomRef(); err != nil {
		return err
	}
	return svc.publish(ctx, model.DestProblems, model.ProblemAction{Action: model.EventRemove, ProblemID: problemID})
}

// UpdateStatus records the local device state and tells the room about it.
// The store is updated even if the publish fails.
func (svc *Service) UpdateStatus(ctx context.Context, muted, videoOff bool) error {
	svc.store.SetLocalMedia(model.LocalMedia{IsMuted: muted, IsVideoOff: videoOff})
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestStatus, model.StatusUpdate{
		StudyID:    ref.StudyID,
		IsMuted:    muted,
		IsVideoOff: videoOff,
	})
}

func (svc *Service) MuteAll(ctx context.Context) error {
	if err := svc.ownerOnly(); err != nil {
		return err
	}
	ref, err := svc.roomRef()
	if err != nil {
		return err
	}
	return svc.publish(ctx, model.DestMuteAll, ref)
}

func (svc *Service) ViewPeer(ctx context.Context, userID int64) error {
	return svc.view.ViewPeer(ctx, userID)
}

func (svc *Service) ViewSubmission(ctx context.Context, submissionID int64) error {
	return svc.view.ViewSubmission(ctx, submissionID)
}

func (svc *Service) Submissions(ctx context.Context) ([]api.SuccessfulSubmission, error) {
	return svc.view.Submissions(ctx)
}

func (svc *Service) ResetView() {
	svc.view.ResetToMine()
}

func (svc *Service) SendChat(ctx context.Context, content string) error {
	return svc.chat.Send(ctx, content, "")
}
