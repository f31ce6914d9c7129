package google

import gmail "google.golang.org/api/gmail/v1"

// UserInfoEmailScope lets the provider report the account address.
const UserInfoEmailScope = "https://www.googleapis.com/auth/userinfo.email"

// DefaultScopes are requested when an authorization does not name its own.
var DefaultScopes = []string{
	gmail.GmailReadonlyScope,
	UserInfoEmailScope,
}

// GmailScopes lists the Gmail scopes a caller may request.
var GmailScopes = []string{
	gmail.MailGoogleComScope,
	gmail.GmailReadonlyScope,
	gmail.GmailModifyScope,
	gmail.GmailComposeScope,
	gmail.GmailSendScope,
	gmail.GmailLabelsScope,
	gmail.GmailSettingsBasicScope,
}
