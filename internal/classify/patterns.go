package classify

import "regexp"

// All patterns run against lowercased, whitespace-collapsed text.

// patternFamily groups the phrasings of one kind of evidence
type patternFamily struct {
	name     string
	patterns []*regexp.Regexp
}

func family(name string, exprs ...string) patternFamily {
	f := patternFamily{name: name}
	for _, expr := range exprs {
		f.patterns = append(f.patterns, regexp.MustCompile(expr))
	}
	return f
}

// count returns how many of the family's patterns occur in text
func (f patternFamily) count(text string) int {
	n := 0
	for _, p := range f.patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

const (
	victims  = `(customers|users|records|accounts|patients|people|individuals|employees|members|students|subscribers)`
	scale    = `\d[\d,.]*\s*(million|billion|thousand|m|k)?`
	assetSet = `(files|file servers|servers|systems|data|network|networks|devices|machines|databases|endpoints|backups)`
)

var disclosureFamily = family("disclosure",
	`\b(confirm(s|ed)?|disclos(e|es|ed)|acknowledg(e|es|ed)|announc(e|es|ed)|admit(s|ted)?)\b[^.]{0,80}\b(data breach|breach|cyberattack|cyber attack|cyber incident|attack|intrusion|compromise|unauthori[sz]ed access)`,
	`\b(was|were|has been|have been|had been) (breached|compromised|hacked|exfiltrated|stolen|leaked)\b`,
	`\bdata breach notification\b`,
)

var scaleFamily = family("numeric_scale",
	`\b(affect(s|ed|ing)?|impact(s|ed|ing)?|expos(e|es|ed|ing)|stole|stolen|leak(s|ed)?|compromis(e|ed|ing))\b[^.]{0,60}?\b`+scale+`\s*`+victims+`\b`,
	`\b`+scale+`\s*(\w+\s+)?`+victims+`\s+(were\s+|was\s+|have been\s+)?(affected|exposed|stolen|leaked|compromised|impacted)\b`,
)

var regulatoryFamily = family("regulatory",
	`\b(filed|files|filing|submitted|submits)\b[^.]{0,40}\b(notice|notification|report|disclosure|8-k)\b[^.]{0,40}\b(regulators?|sec|attorney general|ico|hhs|authorities|commission)\b`,
	`\b(form 8-k|8-k filing)\b`,
	`\b(class[- ]action|lawsuit|sued)\b`,
	`\bnotif(ied|ies|ying) (the )?(regulators|attorneys? general|data protection authorit(y|ies)|affected (customers|individuals|users|patients))\b`,
)

var encryptionFamily = family("encryption",
	`\b`+assetSet+`\s+(were|was|have been|had been|got)\s+encrypted\b`,
	`\b(ransomware|attackers|hackers|threat actors?|gang|criminals|malware|operators)\s+(\w+\s+){0,3}encrypted\s+(our|their|its|the|some|all)?\s*(\w+\s+){0,3}`+assetSet+`\b`,
)

// confirmedFamilies are the evidence kinds behind a confirmed breach
var confirmedFamilies = []patternFamily{disclosureFamily, scaleFamily, regulatoryFamily, encryptionFamily}

var hedgePattern = regexp.MustCompile(
	`\b(potential|potentially|possible|possibly|alleged|allegedly|suspected|investigating|may have|might have|unconfirmed)\b`)

var uncertaintyPattern = regexp.MustCompile(
	`\b(potential|potentially|possible|possibly|alleged|allegedly|suspected|investigating|may have|might have|unconfirmed|unclear|reportedly|believed to|under investigation|not yet known|unknown)\b`)

var incidentFamily = family("incident",
	`\binvestigat(e|es|ed|ing|ion|ions)\b`,
	`\bincident response\b`,
	`\bunauthori[sz]ed access\b`,
	`\b(working|work|works|moving) to (contain|restore|remediate)\b|\bcontainment\b`,
	`\b(engaged|hired|retained|brought in)\b[^.]{0,40}\b(forensic|cybersecurity firm|security firm|experts|incident response)`,
	`\b(suspicious|unusual|anomalous) (activity|network activity)\b`,
	`\b(systems|services|network) (taken|went|were taken) offline\b|\boutage\b`,
)

var ongoingPattern = regexp.MustCompile(`\b(ongoing|currently)\b`)

var (
	criticalSeverity = family("critical",
		`\bcritical infrastructure\b`,
		`\b\d[\d,.]*\s*(million|billion)\b`,
		`\bcvss\s*(v3(\.\d)?\s*)?(base\s*)?(score\s*)?(of\s*)?(9(\.\d)?|10(\.0)?)\b`,
		`\b(power grid|nuclear|water treatment|water utility|pipeline operator|air traffic)\b`,
		`\b(nationwide|global) outage\b`,
	)
	highSeverity = family("high",
		`\bransomware\b`,
		`\bzero[- ]day\b`,
		`\bactively exploited\b|\bexploited in the wild\b`,
		`\bremote code execution\b|\brce\b`,
		`\b(hospital|hospitals|healthcare|health system|bank|banks|banking|financial|government|election|defen[cs]e contractor)\b`,
		`\b\d[\d,.]*\s*thousand\b|\b\d{2,3},\d{3}\b`,
	)
	lowSeverity = family("low",
		`\b(minor|resolved|patched|no evidence|limited impact|low[- ]risk|no customer data)\b`,
	)
)

// incidentTypes is checked in order, the first family that occurs wins
var incidentTypes = []patternFamily{
	family("data_breach", `\bdata breach\b|\bbreach(ed|es)?\b|\bleak(ed|s)?\b|\bexposed\b|\bexfiltrat`),
	family("ransomware", `\bransomware\b|\bransom\b|\bencrypted\b`),
	family("malware", `\bmalware\b|\btrojan\b|\bbotnet\b|\bspyware\b|\bbackdoor\b|\binfostealer\b|\bworm\b|\bwiper\b`),
	family("phishing", `\bphishing\b|\bsmishing\b|\bvishing\b|\bcredential harvesting\b|\bbusiness email compromise\b`),
	family("vulnerability", `\bvulnerabilit(y|ies)\b|\bcve-\d{4}-\d+\b|\bzero[- ]day\b|\bexploit(s|ed)?\b|\bflaw\b`),
	family("ddos", `\bddos\b|\bdenial[- ]of[- ]service\b`),
	family("insider_threat", `\binsider\b|\brogue employee\b|\bformer employee\b`),
	family("supply_chain", `\bsupply[- ]chain\b|\bthird[- ]party (vendor|supplier|provider)\b`),
}
