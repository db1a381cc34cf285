package harcap

// Version is reported in HAR creator blocks and by the CLI.
const Version = "0.3.0"
