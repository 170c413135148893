// Package extension provides the extension runtime: discovery,
// sandboxed loading, and priority routing of intents.
//
// An extension satisfies the capability contract (Extension): it
// names itself, declares whether it can handle an intent, and
// processes intents into results. Extensions come from three sources:
// loose Lua files and directories in the search paths, compiled-in
// builtins, and installed packages under the state directory.
//
// # Quick Start
//
//	discoverer := extension.NewDiscoverer(
//	    extension.WithSearchPaths("/etc/nixsage/extensions"),
//	)
//	_ = discoverer.RegisterBuiltin(nixgen.Manifest(), nixgen.New)
//
//	sys := extension.NewSystem(
//	    discoverer,
//	    extension.NewLoader(),
//	    extension.NewRegistry(extension.WithFallback("nixgen")),
//	)
//	if err := sys.LoadAll(ctx); err != nil {
//	    log.Warn("some extensions failed to load", zap.Error(err))
//	}
//	defer sys.Close()
//
//	res := sys.Handle(ctx, in, session)
//
// # Extension Structure
//
// Single-file extension:
//
//	~/.config/nixsage/extensions/greeter.lua
//
// Directory extension:
//
//	~/.config/nixsage/extensions/greeter/
//	├── extension.json   # Manifest (optional for file source)
//	└── init.lua         # Entry point
//
// Installed package:
//
//	<stateDir>/pkgs/greeter/
//	├── extension.json   # Manifest (required)
//	└── init.lua
//
// # Manifest
//
// The extension.json manifest declares identity, routing priority and
// the capability ceiling:
//
//	{
//	  "name": "greeter",
//	  "version": "1.0.0",
//	  "priority": 70,
//	  "capabilities": ["filesystem.read"],
//	  "allowedPaths": ["/etc/nixos"]
//	}
//
// Capabilities are deny-by-default and fixed at load time. Nothing an
// extension does at runtime can widen its grant set.
//
// # Lua Contract
//
// An entry file declares its implementation either with the
// conventional globals:
//
//	name = "greeter"
//	function can_handle(intent) return intent.kind == "query" end
//	function process(intent, session)
//	    return { success = true, output = "hello" }
//	end
//
// or through the host module:
//
//	local nixsage = require("nixsage")
//	nixsage.register({
//	    name = "greeter",
//	    can_handle = function(intent) ... end,
//	    process = function(intent, session) ... end,
//	})
//
// Exactly one implementation must be declared; zero or more than one
// is a load failure. Returning nil from process declines the intent
// and routing continues with the next candidate.
//
// # Routing
//
// Dispatch consults loaded extensions in descending priority order,
// ties broken by discovery order. The first result wins. Failures,
// timeouts and capability denials are logged and skipped. When no
// candidate produces a result the fallback extension is consulted
// directly, and failing that the caller receives an unhandled-intent
// result.
package extension
