package client

import "licensegate.app/cloud/models"

const (
	msgNetwork      = "Unable to reach the license server. Check your network connection and try again."
	msgRateLimited  = "Too many verification attempts."
	msgBadResponse  = "The license server returned an unexpected response. Please try again later."
	msgVerifyFailed = "License verification failed."
)

var friendlyMessages = map[string]string{
	models.MsgNotFound:                                     "This license code does not exist or has been removed.",
	models.MsgExpired:                                      "This license code has expired.",
	models.MsgUsedByOther:                                  "This license code is already activated on another device.",
	models.MsgStatusPrefix + string(models.StatusExpired):  "This license code has expired.",
	models.MsgStatusPrefix + string(models.StatusUsed):     "This license code has already been used.",
	models.MsgStatusPrefix + string(models.StatusDisabled): "This license code has been disabled.",
	models.MsgInvalidFormat:                                "License codes look like XXXX-XXXX-XXXX-XXXX.",
	models.MsgInternal:                                     "The license server ran into a problem. Please try again later.",
}

// FriendlyMessage maps a server error onto text fit for end users. Unknown
// messages are returned unchanged.
func FriendlyMessage(serverMessage string) string {
	if serverMessage == "" {
		return msgVerifyFailed
	}
	if friendly, ok := friendlyMessages[serverMessage]; ok {
		return friendly
	}
	return serverMessage
}
