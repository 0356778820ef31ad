package protocol

// The channel plan is fixed: three public channels that every valid key may
// use, and a block of restricted channels granted per user. Channel 41
// doubles as the shared emergency channel reachable through the secondary
// talk key; it is never a client's primary channel.
const (
	// EmergencyChannel is the shared secondary channel (41).
	EmergencyChannel uint8 = 41

	// FirstPublicChannel..LastPublicChannel is the public block (41-43).
	FirstPublicChannel uint8 = 41
	LastPublicChannel  uint8 = 43

	// FirstRestrictedChannel..LastRestrictedChannel is the per-user block (51-69).
	FirstRestrictedChannel uint8 = 51
	LastRestrictedChannel  uint8 = 69
)

// KnownChannel reports whether ch is part of the channel plan.
func KnownChannel(ch uint8) bool {
	return PublicChannel(ch) || RestrictedChannel(ch)
}

// PublicChannel reports whether ch is in the public block.
func PublicChannel(ch uint8) bool {
	return ch >= FirstPublicChannel && ch <= LastPublicChannel
}

// RestrictedChannel reports whether ch is in the restricted block.
func RestrictedChannel(ch uint8) bool {
	return ch >= FirstRestrictedChannel && ch <= LastRestrictedChannel
}

// Channels returns the full channel plan in ascending order.
func Channels() []uint8 {
	out := make([]uint8, 0, 22)
	for ch := FirstPublicChannel; ch <= LastPublicChannel; ch++ {
		out = append(out, ch)
	}
	for ch := FirstRestrictedChannel; ch <= LastRestrictedChannel; ch++ {
		out = append(out, ch)
	}
	return out
}

// PrimaryChannels returns every channel a client may select as its primary
// talk channel: the full plan minus the emergency channel.
func PrimaryChannels() []uint8 {
	all := Channels()
	out := all[:0]
	for _, ch := range all {
		if ch != EmergencyChannel {
			out = append(out, ch)
		}
	}
	return out
}
