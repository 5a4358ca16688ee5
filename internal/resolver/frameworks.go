package resolver

// framework describes how a known dev-server framework is recognized and started.
type framework struct {
	ID           string
	Dependencies []string
	Scripts      []string
	DefaultPort  int
	MarkerFiles  []string
	// FallbackArgs start the framework through npx when no script exists.
	FallbackArgs []string
}

// frameworks is checked in order; meta-frameworks come before the bundlers
// they depend on so a Next.js app is not mistaken for a plain React app.
var frameworks = []framework{
	{
		ID:           "nextjs",
		Dependencies: []string{"next"},
		Scripts:      []string{"dev"},
		DefaultPort:  3000,
		MarkerFiles:  []string{"next.config.js", "next.config.mjs", "next.config.ts"},
		FallbackArgs: []string{"next", "dev"},
	},
	{
		ID:           "remix",
		Dependencies: []string{"@remix-run/dev", "@remix-run/react"},
		Scripts:      []string{"dev"},
		DefaultPort:  5173,
		MarkerFiles:  []string{"remix.config.js"},
		FallbackArgs: []string{"remix", "vite:dev"},
	},
	{
		ID:           "nuxt",
		Dependencies: []string{"nuxt", "nuxt3"},
		Scripts:      []string{"dev"},
		DefaultPort:  3000,
		MarkerFiles:  []string{"nuxt.config.ts", "nuxt.config.js"},
		FallbackArgs: []string{"nuxi", "dev"},
	},
	{
		ID:           "sveltekit",
		Dependencies: []string{"@sveltejs/kit"},
		Scripts:      []string{"dev"},
		DefaultPort:  5173,
		MarkerFiles:  []string{"svelte.config.js"},
		FallbackArgs: []string{"vite", "dev"},
	},
	{
		ID:           "astro",
		Dependencies: []string{"astro"},
		Scripts:      []string{"dev", "start"},
		DefaultPort:  4321,
		MarkerFiles:  []string{"astro.config.mjs", "astro.config.ts"},
		FallbackArgs: []string{"astro", "dev"},
	},
	{
		ID:           "gatsby",
		Dependencies: []string{"gatsby"},
		Scripts:      []string{"develop", "dev", "start"},
		DefaultPort:  8000,
		MarkerFiles:  []string{"gatsby-config.js", "gatsby-config.ts"},
		FallbackArgs: []string{"gatsby", "develop"},
	},
	{
		ID:           "angular",
		Dependencies: []string{"@angular/core"},
		Scripts:      []string{"start", "serve"},
		DefaultPort:  4200,
		MarkerFiles:  []string{"angular.json"},
		FallbackArgs: []string{"ng", "serve"},
	},
	{
		ID:           "vue-cli",
		Dependencies: []string{"@vue/cli-service"},
		Scripts:      []string{"serve", "dev"},
		DefaultPort:  8080,
		MarkerFiles:  []string{"vue.config.js"},
		FallbackArgs: []string{"vue-cli-service", "serve"},
	},
	{
		ID:           "create-react-app",
		Dependencies: []string{"react-scripts"},
		Scripts:      []string{"start", "dev"},
		DefaultPort:  3000,
		FallbackArgs: []string{"react-scripts", "start"},
	},
	{
		ID:           "vite",
		Dependencies: []string{"vite"},
		Scripts:      []string{"dev", "start", "serve"},
		DefaultPort:  5173,
		MarkerFiles:  []string{"vite.config.ts", "vite.config.js", "vite.config.mjs"},
		FallbackArgs: []string{"vite"},
	},
}

func frameworkByID(id string) (framework, bool) {
	for _, candidate := range frameworks {
		if candidate.ID == id {
			return candidate, true
		}
	}
	return framework{}, false
}
