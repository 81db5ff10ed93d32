package users

// Contact is what the notifier needs to reach a user outside the app.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
