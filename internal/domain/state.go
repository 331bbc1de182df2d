package domain

// TorrentState is the lifecycle state of a managed torrent. Transitions are
// driven by the alert loop and the registry; everything else only reads it.
type TorrentState string

const (
	StateMetadataPending TorrentState = "metadata_pending" // admitted, no metadata yet
	StateWarmCaching     TorrentState = "warm_caching"     // prefetching the video file head
	StateIdle            TorrentState = "idle"             // warm cache done, swarm paused
	StateStreaming       TorrentState = "streaming"        // transmuxer running or range reads active
	StateSeeding         TorrentState = "seeding"          // download complete
	StateErrored         TorrentState = "errored"          // fatal library error stored on the record
	StateRemoving        TorrentState = "removing"         // eviction in progress, terminal
)

// validTransitions is the adjacency list of allowed state changes. Removing
// is reachable from everywhere because DELETE must always win.
var validTransitions = map[TorrentState][]TorrentState{
	StateMetadataPending: {StateWarmCaching, StateErrored, StateRemoving},
	StateWarmCaching:     {StateIdle, StateStreaming, StateSeeding, StateErrored, StateRemoving},
	StateIdle:            {StateStreaming, StateSeeding, StateErrored, StateRemoving},
	StateStreaming:       {StateIdle, StateSeeding, StateErrored, StateRemoving},
	StateSeeding:         {StateStreaming, StateIdle, StateRemoving},
	StateErrored:         {StateRemoving},
	StateRemoving:        {},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to TorrentState) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
