package shared

// LicenseExpiryLockKey is the redis key guarding the expiry sweep.
const LicenseExpiryLockKey = "licensing:expiry-sweep:lock"
