package common

// PackageName tags metrics and logs emitted by this module.
const PackageName = "pinwheel"

// Version is set at build time via -ldflags.
var Version = "dev"
