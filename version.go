package norfab

// Version of the norfab module.
const Version = "0.1.0"
