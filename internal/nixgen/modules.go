package nixgen

// Section names in their fixed render order.
const (
	SectionServices    = "services"
	SectionPackages    = "packages"
	SectionDesktop     = "desktop"
	SectionServer      = "server"
	SectionDevelopment = "development"
)

var sectionOrder = []string{
	SectionServices,
	SectionPackages,
	SectionDesktop,
	SectionServer,
	SectionDevelopment,
}

// module is one entry of the static keyword table. Keywords match
// case-insensitively as substrings of the request; matched modules
// accumulate in a set, so repeated keywords cannot duplicate entries.
type module struct {
	key       string
	section   string
	entries   []string
	conflicts []string
}

// modulesTable maps module key to its fragment. Conflicts are
// symmetric and declared on both sides.
var modulesTable = map[string]module{
	"web.nginx": {
		key:     "web.nginx",
		section: SectionServer,
		entries: []string{
			"services.nginx.enable = true;",
			"services.nginx.recommendedProxySettings = true;",
			"services.nginx.recommendedTlsSettings = true;",
		},
		conflicts: []string{"web.apache"},
	},
	"web.apache": {
		key:     "web.apache",
		section: SectionServer,
		entries: []string{
			"services.httpd.enable = true;",
		},
		conflicts: []string{"web.nginx"},
	},
	"db.postgresql": {
		key:     "db.postgresql",
		section: SectionServices,
		entries: []string{
			"services.postgresql.enable = true;",
			"services.postgresql.package = pkgs.postgresql_15;",
		},
		conflicts: []string{"db.mysql"},
	},
	"db.mysql": {
		key:     "db.mysql",
		section: SectionServices,
		entries: []string{
			"services.mysql.enable = true;",
			"services.mysql.package = pkgs.mariadb;",
		},
		conflicts: []string{"db.postgresql"},
	},
	"desktop.gnome": {
		key:     "desktop.gnome",
		section: SectionDesktop,
		entries: []string{
			"services.xserver.enable = true;",
			"services.xserver.displayManager.gdm.enable = true;",
			"services.xserver.desktopManager.gnome.enable = true;",
		},
		conflicts: []string{"desktop.kde", "desktop.xfce"},
	},
	"desktop.kde": {
		key:     "desktop.kde",
		section: SectionDesktop,
		entries: []string{
			"services.xserver.enable = true;",
			"services.xserver.displayManager.sddm.enable = true;",
			"services.xserver.desktopManager.plasma5.enable = true;",
		},
		conflicts: []string{"desktop.gnome", "desktop.xfce"},
	},
	"desktop.xfce": {
		key:     "desktop.xfce",
		section: SectionDesktop,
		entries: []string{
			"services.xserver.enable = true;",
			"services.xserver.desktopManager.xfce.enable = true;",
		},
		conflicts: []string{"desktop.gnome", "desktop.kde"},
	},
	"security.ssh": {
		key:     "security.ssh",
		section: SectionServices,
		entries: []string{
			"services.openssh.enable = true;",
			"services.openssh.settings.PermitRootLogin = \"no\";",
		},
	},
	"security.firewall": {
		key:     "security.firewall",
		section: SectionServices,
		entries: []string{
			"networking.firewall.enable = true;",
			"networking.firewall.allowedTCPPorts = [ 22 ];",
		},
	},
	"dev.docker": {
		key:     "dev.docker",
		section: SectionDevelopment,
		entries: []string{
			"virtualisation.docker.enable = true;",
		},
	},
	"pkg.firefox": {
		key:     "pkg.firefox",
		section: SectionPackages,
		entries: []string{"firefox"},
	},
	"pkg.chrome": {
		key:     "pkg.chrome",
		section: SectionPackages,
		entries: []string{"google-chrome"},
	},
	"pkg.vim": {
		key:     "pkg.vim",
		section: SectionPackages,
		entries: []string{"vim"},
	},
	"pkg.emacs": {
		key:     "pkg.emacs",
		section: SectionPackages,
		entries: []string{"emacs"},
	},
	"pkg.git": {
		key:     "pkg.git",
		section: SectionPackages,
		entries: []string{"git"},
	},
	"pkg.python": {
		key:     "pkg.python",
		section: SectionPackages,
		entries: []string{"python3"},
	},
	"pkg.node": {
		key:     "pkg.node",
		section: SectionPackages,
		entries: []string{"nodejs"},
	},
	"pkg.vscode": {
		key:     "pkg.vscode",
		section: SectionPackages,
		entries: []string{"vscode"},
	},
}

// keywordTable maps request keywords to module keys. Several keywords
// may point at the same module.
var keywordTable = map[string]string{
	"nginx":      "web.nginx",
	"apache":     "web.apache",
	"httpd":      "web.apache",
	"postgres":   "db.postgresql",
	"postgresql": "db.postgresql",
	"mysql":      "db.mysql",
	"mariadb":    "db.mysql",
	"gnome":      "desktop.gnome",
	"kde":        "desktop.kde",
	"plasma":     "desktop.kde",
	"xfce":       "desktop.xfce",
	"ssh":        "security.ssh",
	"firewall":   "security.firewall",
	"docker":     "dev.docker",
	"firefox":    "pkg.firefox",
	"chrome":     "pkg.chrome",
	"vim":        "pkg.vim",
	"emacs":      "pkg.emacs",
	"git":        "pkg.git",
	"python":     "pkg.python",
	"node":       "pkg.node",
	"nodejs":     "pkg.node",
	"vscode":     "pkg.vscode",
	"vs code":    "pkg.vscode",
}
