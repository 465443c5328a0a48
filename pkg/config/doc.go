/*
Package config loads the orchestrator's layered global defaults: struct
defaults, then working/global-defaults.json, then KROMO_-prefixed
environment variables, in that precedence order (later layers win).
There is no per-request layer: the Run Manager's start options carry only
the ecosystem variant and the auto-scheduled flag, and no option loaded
here is overridden per run.

The composition is koanf.New(".") + structs.Provider + file.Provider +
env.Provider with a JSON parser, since every on-disk config file here
is JSON/JSONC.
*/
package config
