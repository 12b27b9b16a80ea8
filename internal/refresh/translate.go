package refresh

import "github.com/ahmethakanbesel/pricefeed/internal/failure"

type userMessage struct {
	message string
	actions []string
}

var userMessages = map[failure.Kind]userMessage{
	failure.Network: {
		message: "We couldn't reach the price provider.",
		actions: []string{"Check your internet connection", "Try again in a few minutes"},
	},
	failure.Timeout: {
		message: "The price provider took too long to respond.",
		actions: []string{"Try again in a few minutes", "Refresh fewer symbols at once"},
	},
	failure.RateLimit: {
		message: "Too many price requests were made in a short time.",
		actions: []string{"Wait a minute before refreshing again", "Refresh fewer symbols at once"},
	},
	failure.InvalidPrice: {
		message: "The provider returned a price we couldn't use.",
		actions: []string{"Try again later", "Contact support if this keeps happening"},
	},
	failure.NotFound: {
		message: "This symbol wasn't recognised.",
		actions: []string{"Check the ticker or fund scheme code", "Remove the symbol from your watchlist"},
	},
	failure.Inactive: {
		message: "This symbol is no longer traded.",
		actions: []string{"Remove the symbol from your watchlist"},
	},
}

var unknownFailure = userMessage{
	message: "The price couldn't be refreshed.",
	actions: []string{"Try again later"},
}

// translate turns an internal failure into text fit for end users.
func translate(err error) (failure.Kind, string, []string) {
	kind, ok := failure.KindOf(err)
	if !ok {
		return "", unknownFailure.message, append([]string(nil), unknownFailure.actions...)
	}
	m, ok := userMessages[kind]
	if !ok {
		m = unknownFailure
	}
	return kind, m.message, append([]string(nil), m.actions...)
}
