package stats

// Profile is the expected return-rate band for a game, used as the null
// hypothesis: observed RTP should land near Typical and inside [Min, Max].
type Profile struct {
	Min     float64 `json:"min"`
	Typical float64 `json:"typical"`
	Max     float64 `json:"max"`
}

// Published RTP benchmarks for common casino games. Table games have a
// fixed mathematical edge; provably-fair crypto games advertise theirs.
var builtinProfiles = map[string]Profile{
	"slots":             {Min: 0.94, Typical: 0.96, Max: 0.98},
	"blackjack":         {Min: 0.995, Typical: 0.995, Max: 0.995}, // perfect basic strategy
	"roulette_european": {Min: 0.973, Typical: 0.973, Max: 0.973},
	"roulette_american": {Min: 0.947, Typical: 0.947, Max: 0.947},
	"baccarat_banker":   {Min: 0.9894, Typical: 0.9894, Max: 0.9894},
	"baccarat_player":   {Min: 0.9876, Typical: 0.9876, Max: 0.9876},
	"dice":              {Min: 0.98, Typical: 0.99, Max: 0.99},
	"crash":             {Min: 0.97, Typical: 0.99, Max: 0.99},
	"plinko":            {Min: 0.97, Typical: 0.99, Max: 0.99},
	"mines":             {Min: 0.97, Typical: 0.99, Max: 0.99},
}

// DefaultProfile is the conservative fallback band for unknown games.
var DefaultProfile = Profile{Min: 0.85, Typical: 0.95, Max: 0.99}

// mixedProfile covers sessions spanning several game types, where no
// single benchmark applies.
var mixedProfile = Profile{Min: 0.90, Typical: 0.95, Max: 0.99}

// claimedRTPBand is the tolerance applied around an operator's claimed rate.
const claimedRTPBand = 0.02

// ProfileFor selects the expected-return band for a session. An operator's
// claimed RTP, when known, takes precedence over game-type benchmarks: the
// claim is exactly what we are verifying.
func ProfileFor(gameTypes []string, claimedRTP float64) Profile {
	if claimedRTP > 0 {
		return Profile{
			Min:     claimedRTP - claimedRTPBand,
			Typical: claimedRTP,
			Max:     claimedRTP + claimedRTPBand,
		}
	}
	if len(gameTypes) == 1 {
		if p, ok := builtinProfiles[gameTypes[0]]; ok {
			return p
		}
		return DefaultProfile
	}
	if len(gameTypes) > 1 {
		return mixedProfile
	}
	return DefaultProfile
}
