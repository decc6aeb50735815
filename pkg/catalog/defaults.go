package catalog

// Default returns the built-in registry used when no catalog file is
// configured. Binaries are resolved on PATH.
func Default() *Catalog {
	c, err := build([]*Entry{
		{
			Name:          "github",
			Binary:        "mcp-worker-github",
			Kind:          KindOAuth,
			DefaultScopes: []string{"repo", "read:user"},
		},
		{
			Name:          "notion",
			Binary:        "mcp-worker-notion",
			Kind:          KindOAuth,
			DefaultScopes: []string{"read_content", "update_content"},
		},
		{
			Name:          "slack",
			Binary:        "mcp-worker-slack",
			Kind:          KindOAuth,
			DefaultScopes: []string{"channels:read", "chat:write"},
		},
		{
			Name:          "gdrive",
			Binary:        "mcp-worker-gdrive",
			Kind:          KindOAuth,
			Provider:      "google",
			DefaultScopes: []string{"https://www.googleapis.com/auth/drive.readonly"},
		},
		{
			Name:          "dropbox",
			Binary:        "mcp-worker-dropbox",
			Kind:          KindOAuth,
			DefaultScopes: []string{"files.content.read", "files.content.write"},
		},
		{
			Name:          "figma",
			Binary:        "mcp-worker-figma",
			Kind:          KindOAuth,
			DefaultScopes: []string{"file_read"},
		},
		{
			Name:   "reddit",
			Binary: "mcp-worker-reddit",
			Kind:   KindAPIKey,
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
