package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ── Accounts ────────────────────────────────────────────────────────────────

// SignUp registers an account and returns its bearer token.
func (c *Client) SignUp(ctx context.Context, username, email, password string) (Token, error) {
	var tok Token
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &tok)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("api: signup returned no token")
	}
	return tok, err
}

// SignIn exchanges credentials for a bearer token.
func (c *Client) SignIn(ctx context.Context, username, password string) (Token, error) {
	var tok Token
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]string{
		"username": username,
		"password": password,
	}, &tok)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("api: signin returned no token")
	}
	return tok, err
}

// ── Users ───────────────────────────────────────────────────────────────────

func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &u)
	return u, err
}

// UpdateProfile patches the current user's profile.
func (c *Client) UpdateProfile(ctx context.Context, p ProfileUpdate) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPatch, "/api/users/me", p, &u)
	return u, err
}

// SearchUsers matches username or email; the server caps results at 20.
func (c *Client) SearchUsers(ctx context.Context, q string) ([]User, error) {
	var users []User
	err := c.do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(q), nil, &users)
	return users, err
}

func (c *Client) User(ctx context.Context, id string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id), nil, &u)
	return u, err
}

// ── Friends ─────────────────────────────────────────────────────────────────

func (c *Client) Friends(ctx context.Context) ([]User, error) {
	var users []User
	err := c.do(ctx, http.MethodGet, "/api/friends/", nil, &users)
	return users, err
}

func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	var reqs []FriendRequest
	err := c.do(ctx, http.MethodGet, "/api/friends/requests", nil, &reqs)
	return reqs, err
}

// SendFriendRequest returns the id of the created request.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/friends/request/"+url.PathEscape(userID), nil, &out)
	return out.ID, err
}

func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/friends/requests/"+url.PathEscape(requestID)+"/accept", nil, nil)
}

func (c *Client) RejectFriendRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/friends/requests/"+url.PathEscape(requestID)+"/reject", nil, nil)
}

func (c *Client) RemoveFriend(ctx context.Context, friendID string) error {
	return c.do(ctx, http.MethodDelete, "/api/friends/"+url.PathEscape(friendID), nil, nil)
}

// ── Groups ──────────────────────────────────────────────────────────────────

// CreateGroup creates a group; the server adds the creator to members.
// The create response lists member ids only, so Members carries ids.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (Group, error) {
	if memberIDs == nil {
		memberIDs = []string{}
	}
	var raw struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		CreatedBy string   `json:"created_by"`
		Members   []string `json:"members"`
		CreatedAt string   `json:"created_at"`
	}
	err := c.do(ctx, http.MethodPost, "/api/groups/", map[string]any{
		"name":    strings.TrimSpace(name),
		"members": memberIDs,
	}, &raw)
	if err != nil {
		return Group{}, err
	}
	g := Group{ID: raw.ID, Name: raw.Name, CreatedBy: raw.CreatedBy, CreatedAt: raw.CreatedAt}
	for _, id := range raw.Members {
		g.Members = append(g.Members, User{ID: id})
	}
	return g, nil
}

func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var groups []Group
	err := c.do(ctx, http.MethodGet, "/api/groups/", nil, &groups)
	return groups, err
}

func (c *Client) Group(ctx context.Context, id string) (Group, error) {
	var g Group
	err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(id), nil, &g)
	return g, err
}

func (c *Client) RenameGroup(ctx context.Context, id, name string) error {
	path := "/api/groups/" + url.PathEscape(id) + "/name?new_name=" + url.QueryEscape(strings.TrimSpace(name))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *Client) AddGroupMember(ctx context.Context, groupID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(userID), nil, nil)
}

// RemoveGroupMember removes userID; removing yourself leaves the group.
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(userID), nil, nil)
}

// ── Messages ────────────────────────────────────────────────────────────────

// SendMessage persists a message and returns it with its server id and
// timestamp.
func (c *Client) SendMessage(ctx context.Context, m NewMessage) (Message, error) {
	if (m.RecipientID == "") == (m.GroupID == "") {
		return Message{}, errors.New("api: exactly one of recipient and group is required")
	}
	var out Message
	err := c.do(ctx, http.MethodPost, "/api/messages/", m, &out)
	return out, err
}

// Conversation returns up to limit messages with userID, oldest first.
func (c *Client) Conversation(ctx context.Context, userID string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.do(ctx, http.MethodGet, "/api/messages/conversation/"+url.PathEscape(userID)+limitQuery(limit), nil, &msgs)
	return msgs, err
}

// GroupMessages returns up to limit messages of a group, oldest first.
func (c *Client) GroupMessages(ctx context.Context, groupID string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.do(ctx, http.MethodGet, "/api/messages/group/"+url.PathEscape(groupID)+limitQuery(limit), nil, &msgs)
	return msgs, err
}

// UpdateMessageStatus sets sent/delivered/read on a message addressed to us.
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/status?status_value=" + url.QueryEscape(status)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
