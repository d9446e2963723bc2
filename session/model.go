package session

// Session is the record stored for one authenticated principal login.
//
// LoginTime and LastActivity are Unix milliseconds. IP and UserAgent are empty
// when the login flow had no request metadata.
type Session struct {
	SchemaVersion uint8

	SessionID   string
	PrincipalID string
	Nickname    string
	Role        string

	IP        string
	UserAgent string

	LoginTime    int64
	LastActivity int64
}
