package query

// MedicalSynonyms maps lay first-aid terms to alternative phrasings used for query expansion.
var MedicalSynonyms = map[string][]string{
	"choking":      {"airway obstruction", "blocked airway", "cannot breathe", "foreign object throat"},
	"bleeding":     {"hemorrhage", "blood loss", "cut", "wound", "laceration"},
	"burn":         {"scald", "thermal injury", "fire injury", "heat damage"},
	"headache":     {"head pain", "migraine", "cephalgia"},
	"poisoning":    {"toxic ingestion", "overdose", "toxic exposure"},
	"heart attack": {"cardiac arrest", "myocardial infarction", "chest pain"},
	"fracture":     {"broken bone", "bone break", "bone fracture"},
	"seizure":      {"convulsion", "fit", "epileptic episode"},
	"allergic":     {"anaphylaxis", "allergic reaction", "hypersensitivity"},
	"unconscious":  {"unresponsive", "loss of consciousness", "passed out"},
	"breathing":    {"respiration", "respiratory", "airway"},
	"snake":        {"serpent", "venomous bite", "reptile bite"},
	"alcohol":      {"intoxication", "ethanol", "drunk"},
	"heat":         {"hyperthermia", "heat stroke", "overheating"},
	"cold":         {"hypothermia", "freezing", "frostbite"},
}

// EmergencyKeywords mark a query as describing a possibly life-threatening situation.
var EmergencyKeywords = []string{
	"unconscious", "not breathing", "no pulse", "severe bleeding",
	"chest pain", "heart attack", "stroke", "seizure", "anaphylaxis",
	"choking", "poisoning", "overdose", "severe burn", "head injury",
	"spinal injury", "can't breathe", "cannot breathe", "turning blue", "unresponsive",
}
