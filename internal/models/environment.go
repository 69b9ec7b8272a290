package models

// Environment is a named set of servers belonging to an application.
type Environment struct {
	ID          int64
	Application string
	Name        string
	Servers     []*Server
}

type Server struct {
	ID    int64
	Name  string
	Host  string
	Port  int
	User  string
	Roles []string
}

// HasAnyRole reports whether the server carries at least one of roles.
func (s *Server) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range s.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Address returns the host the server is reached at, falling back to its name.
func (s *Server) Address() string {
	if s.Host != "" {
		return s.Host
	}
	return s.Name
}
