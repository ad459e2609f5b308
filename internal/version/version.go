package version

// Version is the current version of ebpa-setup.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "1.2.0"

// Name is the application name.
const Name = "ebpa-setup"

// Description is a short description of the application.
const Description = "Download park access data and build scenario geodatabases"

// UserAgent is sent with every map-service request.
func UserAgent() string {
	return Name + "/" + Version
}
