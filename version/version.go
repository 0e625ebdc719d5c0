package version

// Version is stamped by the build.
var Version = "0.0.0"
