package build

// Version identifies this build for the version subcommand and log
// banners.
const Version = "0.1.0"
