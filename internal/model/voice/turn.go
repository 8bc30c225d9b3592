package voice

// TurnState 单轮对话的状态。
type TurnState string

const (
	TurnListening       TurnState = "listening"
	TurnPrefetching     TurnState = "prefetching"
	TurnAwaitingContext TurnState = "awaiting-context"
	TurnResponding      TurnState = "responding"
	TurnInterrupted     TurnState = "interrupted"
	TurnCompleted       TurnState = "completed"
)

// Terminal reports whether no further transitions can happen.
func (s TurnState) Terminal() bool {
	return s == TurnInterrupted || s == TurnCompleted
}
