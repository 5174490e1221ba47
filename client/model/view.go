package model

type ViewMode string

const (
	ViewOnlyMine      ViewMode = "ONLY_MINE"
	ViewSplitRealtime ViewMode = "SPLIT_REALTIME"
	ViewSplitSaved    ViewMode = "SPLIT_SAVED"
)

// ViewState is a tagged union: ViewingUser is set only in SPLIT_REALTIME,
// Target only in SPLIT_SAVED. Build it with the constructors below.
type ViewState struct {
	Mode        ViewMode          `json:"mode"`
	ViewingUser *Participant      `json:"viewingUser"`
	Target      *TargetSubmission `json:"targetSubmission"`
}

func OnlyMine() ViewState {
	return ViewState{Mode: ViewOnlyMine}
}

func SplitRealtime(p Participant) ViewState {
	return ViewState{Mode: ViewSplitRealtime, ViewingUser: &p}
}

func SplitSaved(t TargetSubmission) ViewState {
	return ViewState{Mode: ViewSplitSaved, Target: &t}
}

func (v ViewState) Valid() bool {
	switch v.Mode {
	case ViewOnlyMine:
		return v.ViewingUser == nil && v.Target == nil
	case ViewSplitRealtime:
		return v.ViewingUser != nil && v.Target == nil
	case ViewSplitSaved:
		return v.ViewingUser == nil && v.Target != nil
	}
	return false
}
