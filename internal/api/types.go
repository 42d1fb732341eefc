package api

// User is the public profile returned by /api/users endpoints.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Token is the sign-in/sign-up response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// FriendRequest is a pending request addressed to the current user.
type FriendRequest struct {
	ID        string `json:"id"`
	FromUser  User   `json:"from_user"`
	CreatedAt string `json:"created_at"`
}

// Group as returned by /api/groups. Members carry id and username.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	Members   []User `json:"members"`
	CreatedAt string `json:"created_at"`
}

// MemberIDs returns the ids of the group members.
func (g Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Message is one persisted chat message.
type Message struct {
	ID             string `json:"id"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
}

// NewMessage is the body of POST /api/messages/. Exactly one of
// RecipientID and GroupID is set.
type NewMessage struct {
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Content     string `json:"content"`
}

// ProfileUpdate is the body of PATCH /api/users/me.
type ProfileUpdate struct {
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}
